package postgres_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/witlox/breakglass/pkg/postgres"
)

func TestConfigDSN(t *testing.T) {
	cfg := &postgres.Config{
		Host:     "db.internal",
		Port:     5432,
		User:     "breakglass",
		Password: "p@ss word/#?",
		Database: "breakglass",
		SSLMode:  "verify-full",
	}

	u, err := url.Parse(cfg.DSN())
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db.internal:5432", u.Host)
	assert.Equal(t, "/breakglass", u.Path)
	assert.Equal(t, "verify-full", u.Query().Get("sslmode"))

	password, ok := u.User.Password()
	require.True(t, ok)
	assert.Equal(t, "p@ss word/#?", password)

	cfg.SSLMode = ""
	assert.NotContains(t, cfg.DSN(), "sslmode")
}
