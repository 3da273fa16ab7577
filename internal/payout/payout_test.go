package payout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalcUsesBaseTimesMultiplier(t *testing.T) {
	rates := RateTable{"CLI": 1}
	res := Calc(2, "CLI", nil, rates)
	require.Equal(t, Result{Cookies: 2, Multiplier: 2}, res)
}

func TestCalcCustomBountyOverrides(t *testing.T) {
	bounty := 5.0
	for _, rates := range []RateTable{{"CLI": 1}, {"CLI": 7.25}} {
		res := Calc(3, "CLI", &bounty, rates)
		require.Equal(t, Result{Cookies: 5, Multiplier: 1}, res)
	}
}

func TestCalcUnknownTypeFallsBackToDefault(t *testing.T) {
	res := Calc(1.5, "Quantum Toaster", nil, DefaultRates())
	require.InDelta(t, 1.5, res.Cookies, 1e-9)

	res = Calc(2, "", nil, DefaultRates())
	require.InDelta(t, 2, res.Cookies, 1e-9)
}

func TestDefaultRates(t *testing.T) {
	rates := DefaultRates()
	require.Equal(t, 0.6, rates.Base("Web App"))
	require.Equal(t, 1.5, rates.Base("Desktop App (macOS)"))
	require.Equal(t, 1.0, rates.Base("PyPI"))
}

func TestCalcKeepsFractions(t *testing.T) {
	res := Calc(1.25, "Chat Bot", nil, DefaultRates())
	require.InDelta(t, 0.75, res.Cookies, 1e-9)
	require.Equal(t, 1.25, res.Multiplier)
}
