package money

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"
)

// All token amounts move through the system as integer micro-units.
// 1 token = 1_000_000 micros.
const MicrosPerToken int64 = 1_000_000

const (
	bpsScale      int64 = 10_000
	secondsPerDay int64 = 86_400
)

// Pooled big.Int for intermediate products
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	intPool.Put(v)
}

// Accrual returns the earnings in micros produced by an invested principal
// at rateBps basis points per day over elapsed time. Floor rounding, never
// negative. The three-factor product is taken in big.Int so any int64
// principal is safe; a result past int64 range clamps to MaxInt64.
func Accrual(invested int64, rateBps int32, elapsed time.Duration) int64 {
	if invested <= 0 || rateBps <= 0 || elapsed <= 0 {
		return 0
	}
	seconds := int64(elapsed / time.Second)
	if seconds <= 0 {
		return 0
	}

	num := getInt()
	tmp := getInt()

	// invested * rateBps * seconds
	num.SetInt64(invested)
	tmp.SetInt64(int64(rateBps))
	num.Mul(num, tmp)
	tmp.SetInt64(seconds)
	num.Mul(num, tmp)

	// / (10000 * 86400), floor; all factors non-negative
	tmp.SetInt64(bpsScale * secondsPerDay)
	num.Quo(num, tmp)

	var out int64
	if num.IsInt64() {
		out = num.Int64()
	} else {
		out = math.MaxInt64
	}

	putInt(num)
	putInt(tmp)

	return out
}

// DailyAccrual is Accrual over exactly one period.
func DailyAccrual(invested int64, rateBps int32) int64 {
	return Accrual(invested, rateBps, 24*time.Hour)
}

// AddClamped sums two non-negative amounts, saturating at MaxInt64
// instead of wrapping.
func AddClamped(a, b int64) int64 {
	sum := a + b
	if sum < a {
		return math.MaxInt64
	}
	return sum
}

// FormatTokens renders micros as a decimal token amount for logs and reports.
func FormatTokens(micros int64) string {
	sign := ""
	if micros < 0 {
		sign = "-"
		micros = -micros
	}
	return fmt.Sprintf("%s%d.%06d", sign, micros/MicrosPerToken, micros%MicrosPerToken)
}
