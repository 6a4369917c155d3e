package erp

import "regexp"

var (
	// the CNPJ must not be part of a longer number
	cnpjRegexp  = regexp.MustCompile(`(?:^|\D)(\d{2}\.?\d{3}\.?\d{3}/?\d{4}-?\d{2})(?:\D|$)`)
	nonDigitReg = regexp.MustCompile(`\D`)
)

// ExtractCNPJ returns the first CNPJ found in free text, formatted or not,
// or an empty string.
func ExtractCNPJ(text string) string {
	m := cnpjRegexp.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// NormalizeCNPJ keeps only the digits.
func NormalizeCNPJ(cnpj string) string {
	return nonDigitReg.ReplaceAllString(cnpj, "")
}

// ParseCNPJ accepts a bare or formatted CNPJ, or text containing one, and
// returns its 14 digits.
func ParseCNPJ(input string) (string, error) {
	if found := ExtractCNPJ(input); found != "" {
		return NormalizeCNPJ(found), nil
	}
	digits := NormalizeCNPJ(input)
	if len(digits) != 14 {
		return "", ErrInvalidCNPJ
	}
	return digits, nil
}
