package config

import "time"

// NewDefaultConfig returns a Config with conservative defaults, overridden
// by whatever the loaded YAML document specifies. Mirrors the teacher's
// config.NewDefaultConfig used as the base for TOML unmarshalling.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Instance: Instance{
			Role: RoleSingleInstance,
			Email: Email{
				RequestInterval: 5 * time.Second,
			},
			Twitter: Twitter{
				RequestInterval: 300 * time.Second,
			},
			DisplayName: DisplayName{
				Enabled: true,
				Limit:   0.85,
			},
			Notifier: Notifier{
				APIAddress: ":8080",
			},
		},
		Server: Server{
			Addr:                    ":8080",
			ReadTimeout:             2 * time.Second,
			ReadHeaderTimeout:       2 * time.Second,
			WriteTimeout:            5 * time.Second,
			IdleTimeout:             30 * time.Second,
			ShutdownGracefulTimeout: 15 * time.Second,
		},
		Backup: Backup{
			Interval: 10 * time.Minute,
		},
	}
}
