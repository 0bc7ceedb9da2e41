package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

func TestScriptedSessionConsumesStatuses(t *testing.T) {
	d := NewScriptedDriver()
	d.SetScript(domain.RetailerFalabella, &Script{Statuses: []int{403, 200}})

	s, err := d.NewSession(context.Background(), SessionConfig{Retailer: domain.RetailerFalabella})
	require.NoError(t, err)

	res, err := s.Navigate(context.Background(), "https://www.falabella.com/x")
	require.NoError(t, err)
	assert.Equal(t, 403, res.Status)

	res, err = s.Navigate(context.Background(), "https://www.falabella.com/x")
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status, "exhausted script navigates clean")
}

func TestScriptedSessionFailsDirectOnly(t *testing.T) {
	d := NewScriptedDriver()
	d.SetScript(domain.RetailerRipley, &Script{FailDirect: true})
	ctx := context.Background()

	direct, err := d.NewSession(ctx, SessionConfig{Retailer: domain.RetailerRipley})
	require.NoError(t, err)
	res, err := direct.Navigate(ctx, "https://simple.ripley.cl/x")
	require.NoError(t, err)
	assert.Equal(t, 403, res.Status, "direct session is blocked")

	proxied, err := d.NewSession(ctx, SessionConfig{
		Retailer: domain.RetailerRipley,
		ProxyURL: "http://u-ch01:p@proxy:8080",
	})
	require.NoError(t, err)
	res, err = proxied.Navigate(ctx, "https://simple.ripley.cl/x")
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status, "proxied session passes")
}

func TestScriptedExtractRespectsLimit(t *testing.T) {
	d := NewDemoDriver("smartphones", 0)
	s, err := d.NewSession(context.Background(), SessionConfig{Retailer: domain.RetailerParis})
	require.NoError(t, err)

	products, err := s.Extract(context.Background(), "smartphones", 3)
	require.NoError(t, err)
	assert.Len(t, products, 3)
	for _, p := range products {
		assert.Equal(t, domain.RetailerParis, p.Retailer)
		assert.Greater(t, p.CurrentPrice, 0.0)
	}
}

func TestScriptedBlockCallbackCounts(t *testing.T) {
	d := NewScriptedDriver()
	s, err := d.NewSession(context.Background(), SessionConfig{
		Retailer: domain.RetailerEasy,
		BlockResource: func(_, rtype string) bool {
			return rtype == "image"
		},
	})
	require.NoError(t, err)

	res, err := s.Navigate(context.Background(), "https://www.easy.cl/x")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Blocked)
	assert.Equal(t, 4, res.Requests)
}
