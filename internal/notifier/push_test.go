package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AlexVitesse/telegram-service/internal/config"
)

func TestPushNotifierSendsRequest(t *testing.T) {
	var got pushRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Push.Endpoint = srv.URL
	cfg.Push.APIKey = "secret"

	p := NewPushNotifier(cfg, zap.NewNop())
	err = p.Notify(context.Background(), "12345", Notice{
		DeviceID: "dev_A1",
		Kind:     KindAlarm,
		Title:    "Alarma activada",
		Body:     "Movimiento detectado",
	})
	require.NoError(t, err)

	assert.Equal(t, "12345", got.To)
	assert.Equal(t, KindAlarm, got.Kind)
	assert.Equal(t, "dev_A1", got.DeviceID)
	assert.Equal(t, "Bearer secret", auth)
}

func TestPushNotifierGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Push.Endpoint = srv.URL

	p := NewPushNotifier(cfg, zap.NewNop())
	err = p.Notify(context.Background(), "12345", Notice{Kind: KindInfo})
	assert.Error(t, err)
}

func TestPushNotifierNoEndpoint(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Push.Endpoint = ""

	p := NewPushNotifier(cfg, zap.NewNop())
	assert.NoError(t, p.Notify(context.Background(), "12345", Notice{Kind: KindInfo}))
}

func TestIsGroupPrincipal(t *testing.T) {
	assert.True(t, IsGroupPrincipal("-100123"))
	assert.False(t, IsGroupPrincipal("123456"))
}
