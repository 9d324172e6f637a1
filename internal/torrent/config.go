package torrent

import (
	"github.com/relaysix/peerbox/internal/config"
	"github.com/relaysix/peerbox/internal/tracker"
)

// Config bundles the tunables for one torrent's session: peer/session
// behavior and tracker announce timing. There is no process-wide default;
// every Torrent is built with an explicit Config.
type Config struct {
	Peer    config.Config
	Tracker tracker.Config
}

// Default returns reasonable settings for a single torrent.
func Default() (Config, error) {
	peerCfg, err := config.Default()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Peer:    peerCfg,
		Tracker: tracker.Default(),
	}, nil
}
