package normalize

import (
	"regexp"
	"strings"
)

// IdentifierKind is the format of a structured chemical identifier.
type IdentifierKind int

const (
	// RegistryNumber is a CAS registry number such as 71-43-2.
	RegistryNumber IdentifierKind = iota + 1
	// StructureKey is a standard InChIKey.
	StructureKey
)

func (k IdentifierKind) String() string {
	switch k {
	case RegistryNumber:
		return "registry_number"
	case StructureKey:
		return "structure_key"
	default:
		return "unknown"
	}
}

// Identifier is a recognized identifier in canonical form.
type Identifier struct {
	Kind  IdentifierKind
	Value string
}

var (
	casExact    = regexp.MustCompile(`^\d{2,7}-\d{2}-\d$`)
	casEmbedded = regexp.MustCompile(`\b\d{2,7}-\d{2}-\d\b`)
	inchiKey    = regexp.MustCompile(`^[A-Z]{14}-[A-Z]{10}-[A-Z]$`)
)

// DetectIdentifier reports whether the whole of text is a registry number
// (with a valid check digit) or a structure key. Common prefixes such as
// "CAS:" and "InChIKey=" are accepted.
func DetectIdentifier(text string) (Identifier, bool) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Identifier{}, false
	}

	upper := strings.ToUpper(s)
	for _, prefix := range []string{"INCHIKEY=", "INCHIKEY:", "INCHIKEY "} {
		if strings.HasPrefix(upper, prefix) {
			upper = strings.TrimSpace(upper[len(prefix):])
			break
		}
	}
	if inchiKey.MatchString(upper) {
		return Identifier{Kind: StructureKey, Value: upper}, true
	}

	for _, prefix := range []string{"CAS#", "CAS:", "CAS NO.", "CAS NO", "CAS"} {
		if strings.HasPrefix(upper, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	if casExact.MatchString(s) && ValidCAS(s) {
		return Identifier{Kind: RegistryNumber, Value: s}, true
	}
	return Identifier{}, false
}

// ExtractCAS returns the first valid registry number embedded in text,
// e.g. "Benzene (CAS 71-43-2)".
func ExtractCAS(text string) (string, bool) {
	for _, m := range casEmbedded.FindAllString(text, -1) {
		if ValidCAS(m) {
			return m, true
		}
	}
	return "", false
}

// ValidCAS checks the registry number format and check digit: the digits
// before the check digit, weighted 1, 2, 3, ... from the right, summed mod 10.
func ValidCAS(cas string) bool {
	if !casExact.MatchString(cas) {
		return false
	}
	digits := strings.ReplaceAll(cas, "-", "")
	check := int(digits[len(digits)-1] - '0')
	body := digits[:len(digits)-1]

	sum := 0
	for i := 0; i < len(body); i++ {
		weight := len(body) - i
		sum += int(body[i]-'0') * weight
	}
	return sum%10 == check
}
