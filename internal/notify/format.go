// ABOUTME: Human-readable formatting for notification text
// ABOUTME: Wei to ether conversion, shortened addresses and relative expiry

package notify

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

const etherDecimals = 18

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(etherDecimals), nil)

// FormatEther renders a wei amount as ether with at most six decimals and no
// trailing zeros. Unparseable input renders as "0".
func FormatEther(wei string) string {
	v, ok := new(big.Int).SetString(wei, 10)
	if !ok || v.Sign() < 0 {
		return "0"
	}

	whole, frac := new(big.Int).QuoRem(v, weiPerEther, new(big.Int))
	digits := frac.String()
	digits = strings.Repeat("0", etherDecimals-len(digits)) + digits
	fracDigits := strings.TrimRight(digits[:6], "0")
	if fracDigits == "" {
		return whole.String()
	}
	return whole.String() + "." + fracDigits
}

// ShortAddress abbreviates a hex address as 0x1234...abcd.
func ShortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// TimeUntil renders a remaining duration the way approval prompts phrase it.
func TimeUntil(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	mins := int(d / time.Minute)
	switch {
	case mins < 1:
		return "less than 1 minute"
	case mins < 60:
		return fmt.Sprintf("%d minutes", mins)
	default:
		return fmt.Sprintf("%d hours", mins/60)
	}
}
