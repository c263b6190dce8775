package symbols

import "strings"

// Normalize converts the pair spellings seen in configuration and REST
// listings to the websocket form: upper case without separators, and without
// the "t" prefix of trading pairs.
//
//	btcusd   -> BTCUSD
//	tBTCUSD  -> BTCUSD
//	BTC/USD  -> BTCUSD
//	tTESTBTC:TESTUSD -> TESTBTCTESTUSD
func Normalize(sym string) string {
	sym = strings.TrimSpace(sym)
	if len(sym) > 1 && sym[0] == 't' && sym[1] >= 'A' && sym[1] <= 'Z' {
		sym = sym[1:]
	}
	sym = strings.NewReplacer("/", "", "-", "", ":", "").Replace(sym)
	return strings.ToUpper(sym)
}
