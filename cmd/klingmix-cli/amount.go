package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-mix/pkg/types"
)

// decimals is the number of fractional digits in one coin.
const decimals = 12

// parseAmount converts a decimal coin string to base units.
func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount")
	}

	whole, fracStr, hasFrac := strings.Cut(s, ".")
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid whole part: %w", err)
	}

	var frac uint64
	if hasFrac {
		if len(fracStr) == 0 || len(fracStr) > decimals {
			return 0, fmt.Errorf("invalid decimal places (max %d)", decimals)
		}
		frac, err = strconv.ParseUint(fracStr+strings.Repeat("0", decimals-len(fracStr)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid fractional part: %w", err)
		}
	}

	if w > math.MaxUint64/types.Coin {
		return 0, fmt.Errorf("amount too large")
	}
	result := w * types.Coin
	if result > math.MaxUint64-frac {
		return 0, fmt.Errorf("amount too large")
	}
	return result + frac, nil
}
