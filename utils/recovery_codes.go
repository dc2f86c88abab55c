package utils

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

const (
	BackupCodeFormatWords        = "words"
	BackupCodeFormatAlphanumeric = "alphanumeric"

	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O, 1/I
	backupCodeWords    = 4
)

var backupWordList = []string{
	"acorn", "amber", "anchor", "apple", "arrow", "aspen", "badge", "bamboo",
	"banjo", "basil", "beacon", "birch", "bison", "blossom", "bramble", "breeze",
	"brook", "cactus", "camel", "candle", "canyon", "cedar", "chalk", "cherry",
	"cinder", "clover", "cobalt", "comet", "copper", "coral", "cotton", "crane",
	"crystal", "daisy", "delta", "desert", "dune", "eagle", "ember", "falcon",
	"fern", "fig", "flint", "forest", "fossil", "garnet", "ginger", "glacier",
	"granite", "harbor", "hazel", "heron", "hollow", "honey", "indigo", "iris",
	"island", "ivory", "jade", "jasper", "juniper", "kayak", "kelp", "kettle",
	"lagoon", "lantern", "lemon", "lilac", "linen", "lotus", "maple", "marble",
	"meadow", "mesa", "mint", "moss", "nectar", "nickel", "oak", "oasis",
	"olive", "onyx", "orbit", "orchid", "otter", "pebble", "pepper", "pine",
	"plum", "prairie", "quartz", "quill", "raven", "reef", "ridge", "river",
	"saffron", "sage", "salmon", "sequoia", "shadow", "sierra", "silver", "slate",
	"spruce", "summit", "thistle", "thunder", "timber", "topaz", "tulip", "tundra",
	"umber", "valley", "velvet", "violet", "walnut", "willow", "winter", "zephyr",
}

// GenerateBackupCodes generates count codes from a cryptographically secure
// source. length is the number of characters for the alphanumeric format and
// is ignored for words.
func GenerateBackupCodes(format string, count, length int) ([]string, error) {
	if count <= 0 {
		return nil, errors.New("backup code count must be positive")
	}

	codes := make([]string, 0, count)
	seen := make(map[string]bool, count)
	for len(codes) < count {
		var (
			code string
			err  error
		)
		switch format {
		case BackupCodeFormatWords:
			code, err = wordCode()
		case BackupCodeFormatAlphanumeric:
			code, err = alphanumericCode(length)
		default:
			return nil, errors.New("unknown backup code format: " + format)
		}
		if err != nil {
			return nil, err
		}
		if seen[NormalizeBackupCode(code)] {
			continue
		}
		seen[NormalizeBackupCode(code)] = true
		codes = append(codes, code)
	}

	return codes, nil
}

// NormalizeBackupCode makes user input comparable with a generated code:
// separators and case are ignored.
func NormalizeBackupCode(code string) string {
	replacer := strings.NewReplacer("-", "", " ", "", "_", "")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(code)))
}

func wordCode() (string, error) {
	words := make([]string, backupCodeWords)
	for i := range words {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupWordList))))
		if err != nil {
			return "", err
		}
		words[i] = backupWordList[n.Int64()]
	}
	return strings.Join(words, "-"), nil
}

func alphanumericCode(length int) (string, error) {
	if length < 6 {
		return "", errors.New("alphanumeric backup codes need at least 6 characters")
	}
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = backupCodeAlphabet[n.Int64()]
	}
	code := string(buf)
	// Insert hyphen in middle for readability
	half := length / 2
	return code[:half] + "-" + code[half:], nil
}

// GenerateNumericCode returns a zero-padded decimal code of the given number
// of digits, used for SMS and email codes.
func GenerateNumericCode(digits int) (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < digits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	s := n.String()
	return strings.Repeat("0", digits-len(s)) + s, nil
}
