package redis

import (
	"crypto/tls"
	"fmt"
)

type RedisConfig struct {
	Host           string
	Port           int
	Password       string
	Database       int
	TLSEnabled     bool
	ClusterEnabled bool
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *RedisConfig) tls() *tls.Config {
	if !c.TLSEnabled {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
}
