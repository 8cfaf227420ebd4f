package payment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/paidqueue/internal/payment"
)

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	secret := "whsec_test"
	now := time.Unix(1_760_000_000, 0)
	header := payment.SignatureHeaderValue(payload, secret, now)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		now     time.Time
		wantErr bool
	}{
		{name: "valid", payload: payload, header: header, secret: secret, now: now},
		{name: "within tolerance", payload: payload, header: header, secret: secret, now: now.Add(4 * time.Minute)},
		{name: "stale", payload: payload, header: header, secret: secret, now: now.Add(10 * time.Minute), wantErr: true},
		{name: "from the future", payload: payload, header: header, secret: secret, now: now.Add(-10 * time.Minute), wantErr: true},
		{name: "tampered payload", payload: []byte(`{"id":"evt_2"}`), header: header, secret: secret, now: now, wantErr: true},
		{name: "wrong secret", payload: payload, header: header, secret: "other", now: now, wantErr: true},
		{name: "empty secret", payload: payload, header: header, secret: "", now: now, wantErr: true},
		{name: "missing header", payload: payload, header: "", secret: secret, now: now, wantErr: true},
		{name: "no v1", payload: payload, header: "t=1760000000", secret: secret, now: now, wantErr: true},
		{name: "bad timestamp", payload: payload, header: "t=abc,v1=00", secret: secret, now: now, wantErr: true},
		{name: "second v1 matches", payload: payload, header: header[:len("t=1760000000")] + ",v1=deadbeef" + header[len("t=1760000000"):], secret: secret, now: now},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := payment.VerifySignature(tc.payload, tc.header, tc.secret, 5*time.Minute, tc.now)
			if tc.wantErr {
				require.ErrorIs(t, err, payment.ErrInvalidSignature)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestParseCheckoutEvent(t *testing.T) {
	t.Parallel()
	ev, err := payment.ParseCheckoutEvent([]byte(`{
		"id": "evt_123",
		"type": "checkout.session.completed",
		"data": {"object": {"metadata": {
			"telegram_id": "987654",
			"package_id": "p500",
			"points_awarded": 5000,
			"priority_boost": "1",
			"project": "imagebot"
		}}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_123", ev.ID)
	assert.Equal(t, "987654", ev.AccountID(), "legacy key accepted")
	assert.Equal(t, "p500", ev.PackageID())
	assert.Equal(t, "5000", ev.Metadata[payment.MetaPointsAwarded])
	assert.Equal(t, "imagebot", ev.Project())
	tier, ok := ev.PriorityBoost()
	assert.True(t, ok)
	assert.Equal(t, 1, tier)

	_, err = payment.ParseCheckoutEvent([]byte(`not json`))
	require.ErrorIs(t, err, payment.ErrInvalidPayload)
	_, err = payment.ParseCheckoutEvent([]byte(`{"type":"x"}`))
	require.ErrorIs(t, err, payment.ErrInvalidPayload)
}

func TestPackages(t *testing.T) {
	t.Parallel()
	pkgs := payment.Packages()
	require.Len(t, pkgs, 3)
	assert.Equal(t, []string{"p200", "p500", "p1000"}, []string{pkgs[0].ID, pkgs[1].ID, pkgs[2].ID})

	p, ok := payment.Lookup("p1000")
	require.True(t, ok)
	assert.Equal(t, int64(12000), p.Points)
	assert.Equal(t, int64(1999), p.AmountCents)
	assert.Equal(t, 1, p.PriorityBoost)

	_, ok = payment.Lookup("p9999")
	assert.False(t, ok)
}
