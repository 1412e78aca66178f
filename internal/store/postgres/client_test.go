package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbfeed/internal/config"
	"github.com/alanyoungcy/arbfeed/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://u:p@db:6543/x", Host: "ignored"},
			want: "postgres://u:p@db:6543/x",
		},
		{
			name: "fields with defaults",
			cfg:  ClientConfig{Host: "localhost", Database: "postgres", User: "postgres", Password: "pw"},
			want: "postgres://postgres:pw@localhost:5432/postgres?sslmode=disable",
		},
		{
			name: "explicit port and ssl",
			cfg:  ClientConfig{Host: "h", Port: 6000, Database: "d", User: "u", SSLMode: "require"},
			want: "postgres://u:@h:6000/d?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DSN(tt.cfg))
		})
	}
}

func TestClientConfigFrom(t *testing.T) {
	c := ClientConfigFrom(config.Defaults().Supabase)
	assert.Equal(t, "localhost", c.Host)
	assert.Equal(t, 10, c.MaxConns)
	assert.Equal(t, 2, c.MinConns)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_markets.sql", names[0])
}

func TestTokenStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, tokenStrings([]domain.TokenID{"a", "b"}))
	assert.Empty(t, tokenStrings(nil))
}
