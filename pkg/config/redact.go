package config

import (
	"net/url"
	"strings"
)

const redactedValue = "***"

// Redacted returns a copy of the configuration with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Cache.URL = redactURL(c.Cache.URL)
	out.Database.URL = redactURL(c.Database.URL)
	out.Jobs.URL = redactURL(c.Jobs.URL)
	out.Database.AccessKeyID = redactSecret(c.Database.AccessKeyID)
	out.Database.SecretAccessKey = redactSecret(c.Database.SecretAccessKey)
	out.Database.SessionToken = redactSecret(c.Database.SessionToken)
	return &out
}

func redactSecret(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return redactedValue
}

// redactURL masks the password of a connection URL. Unparseable values are
// masked entirely.
func redactURL(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return redactedValue
	}
	if parsed.User == nil {
		return raw
	}
	if _, hasPassword := parsed.User.Password(); !hasPassword {
		return raw
	}
	// url.UserPassword would percent-encode the mask.
	return strings.Replace(parsed.Redacted(), ":xxxxx@", ":"+redactedValue+"@", 1)
}
