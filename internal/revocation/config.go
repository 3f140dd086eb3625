package revocation

import (
	"strings"
	"time"

	appcfg "github.com/efbtools/chartstore/internal/config"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
}

// FromApp maps the daemon configuration onto consumer settings. The
// feed starts from the oldest offset so a device that was powered off
// for weeks still sees every withdrawal it missed.
func FromApp(rc appcfg.RevocationCfg) Config {
	return Config{
		Brokers:             splitCSV(rc.Brokers),
		Topic:               rc.Topic,
		GroupID:             rc.GroupID,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: true,
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
