package config

import (
	"github.com/quotaledger-go/pkg/database"
	"github.com/quotaledger-go/pkg/logger"
	"github.com/quotaledger-go/pkg/telemetry"
)

// ToLoggerConfig converts LoggerConfig to logger.Config
func (c LoggerConfig) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:     c.Level,
		Format:    c.Format,
		Output:    c.Output,
		AddCaller: c.AddCaller,
	}
}

// ToDatabaseConfig converts DatabaseConfig to database.Config
func (c DatabaseConfig) ToDatabaseConfig() database.Config {
	return database.Config{
		Host:             c.Host,
		Port:             c.Port,
		User:             c.User,
		Password:         c.Password,
		Name:             c.Name,
		Charset:          c.Charset,
		MaxOpenConns:     c.MaxOpenConns,
		MaxIdleConns:     c.MaxIdleConns,
		StatementTimeout: c.StatementTimeout,
	}
}

// ToTelemetryConfig converts TelemetryConfig to telemetry.Config
func (c TelemetryConfig) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:      c.Enabled,
		JaegerURL:    c.JaegerURL,
		ServiceName:  c.ServiceName,
		SamplingRate: c.SamplingRate,
	}
}
