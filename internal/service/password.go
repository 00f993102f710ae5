package service

import (
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// MinSecretLength is the shortest password the strength policy accepts.
const MinSecretLength = 12

// MaxSecretBytes is the longest password bcrypt can hash.
const MaxSecretBytes = 72

// Strength rule identifiers reported in WeakSecretError.Unmet.
const (
	RuleMinLength = "min_length"
	RuleMaxLength = "max_length"
	RuleUpper     = "uppercase"
	RuleLower     = "lowercase"
	RuleDigit     = "digit"
	RuleSymbol    = "symbol"
	RuleNotCommon = "not_common"
)

// weakSecrets are rejected when the password equals or contains one of them,
// compared case-insensitively.
var weakSecrets = []string{
	"password",
	"passw0rd",
	"123456",
	"12345678",
	"qwerty",
	"letmein",
	"welcome",
	"admin",
	"changeme",
	"iloveyou",
	"monkey",
	"dragon",
	"football",
	"baseball",
	"sunshine",
	"princess",
	"trustno1",
	"abc123",
	"111111",
	"000000",
}

// CheckStrength returns a *WeakSecretError naming every rule secret fails, or
// nil when it satisfies the policy.
func CheckStrength(secret string) error {
	var upper, lower, digit, symbol bool
	for _, r := range secret {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			symbol = true
		}
	}

	var unmet []string
	if len([]rune(secret)) < MinSecretLength {
		unmet = append(unmet, RuleMinLength)
	}
	if len(secret) > MaxSecretBytes {
		unmet = append(unmet, RuleMaxLength)
	}
	if !upper {
		unmet = append(unmet, RuleUpper)
	}
	if !lower {
		unmet = append(unmet, RuleLower)
	}
	if !digit {
		unmet = append(unmet, RuleDigit)
	}
	if !symbol {
		unmet = append(unmet, RuleSymbol)
	}
	if isCommonSecret(secret) {
		unmet = append(unmet, RuleNotCommon)
	}

	if len(unmet) > 0 {
		return &WeakSecretError{Unmet: unmet}
	}
	return nil
}

func isCommonSecret(secret string) bool {
	s := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Contains(s, weak) {
			return true
		}
	}
	return false
}

// HashPassword returns the bcrypt hash of secret.
func HashPassword(secret string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether secret matches hash. bcrypt compares in
// constant time.
func CheckPassword(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
