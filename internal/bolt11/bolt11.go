// Package bolt11 decodes Lightning payment requests and encodes the ones
// issued by the in-process fake node.
package bolt11

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

var ErrInvalid = errors.New("invalid bolt11 invoice")

const (
	DefaultExpiry       = time.Hour
	DefaultMinFinalCLTV = 18

	// maxExpirySeconds is the longest expiry a time.Duration can hold.
	maxExpirySeconds = uint64(math.MaxInt64 / int64(time.Second))

	timestampGroups = 7
	signatureGroups = 104
	hashGroups      = 52
	pubkeyGroups    = 53
)

// tagged field types, as bech32 charset indexes
const (
	fieldPaymentHash     = 1
	fieldExpiry          = 6
	fieldDescription     = 13
	fieldPaymentSecret   = 16
	fieldPayee           = 19
	fieldDescriptionHash = 23
	fieldMinFinalCLTV    = 24
)

type Invoice struct {
	Network         string
	AmountMsat      int64
	Timestamp       time.Time
	PaymentHash     string
	PaymentSecret   string
	Description     string
	DescriptionHash string
	Expiry          time.Duration
	MinFinalCLTV    int64
	Payee           string
}

func (inv *Invoice) ExpiresAt() time.Time {
	return inv.Timestamp.Add(inv.Expiry)
}

func (inv *Invoice) Expired(now time.Time) bool {
	return now.After(inv.ExpiresAt())
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Decode parses and verifies a payment request. The signature must recover
// to the payee key when one is present.
func Decode(raw string) (*Invoice, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "lightning:")

	hrp, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if !strings.HasPrefix(hrp, "ln") {
		return nil, invalid("unexpected prefix %q", hrp)
	}
	if len(data) < timestampGroups+signatureGroups {
		return nil, invalid("too short")
	}

	network, amount, err := parseHRP(hrp[2:])
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		Network:      network,
		AmountMsat:   amount,
		Expiry:       DefaultExpiry,
		MinFinalCLTV: DefaultMinFinalCLTV,
	}

	body := data[:len(data)-signatureGroups]
	inv.Timestamp = time.Unix(int64(readUint(body[:timestampGroups])), 0).UTC()

	if err := parseFields(inv, body[timestampGroups:]); err != nil {
		return nil, err
	}
	if inv.PaymentHash == "" {
		return nil, invalid("missing payment hash")
	}

	pub, err := recoverPayee(hrp, body, data[len(data)-signatureGroups:])
	if err != nil {
		return nil, err
	}
	recovered := hex.EncodeToString(pub.SerializeCompressed())
	if inv.Payee != "" && inv.Payee != recovered {
		return nil, invalid("signature does not match payee")
	}
	inv.Payee = recovered
	return inv, nil
}

func parseHRP(rest string) (string, int64, error) {
	i := strings.IndexAny(rest, "0123456789")
	if i < 0 {
		if rest == "" {
			return "", 0, invalid("missing network")
		}
		return rest, 0, nil
	}
	network := rest[:i]
	if network == "" {
		return "", 0, invalid("missing network")
	}
	amount, err := parseAmount(rest[i:])
	if err != nil {
		return "", 0, err
	}
	return network, amount, nil
}

var msatPerUnit = map[byte]int64{
	0:   100_000_000_000,
	'm': 100_000_000,
	'u': 100_000,
	'n': 100,
}

// parseAmount converts the hrp amount to msat. One bitcoin is 1e11 msat.
func parseAmount(s string) (int64, error) {
	multiplier := byte(0)
	if last := s[len(s)-1]; last < '0' || last > '9' {
		multiplier = last
		s = s[:len(s)-1]
	}
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, invalid("bad amount %q", s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, invalid("bad amount %q", s)
	}

	if multiplier == 'p' {
		if n%10 != 0 {
			return 0, invalid("sub-millisatoshi amount")
		}
		return n / 10, nil
	}
	unit, ok := msatPerUnit[multiplier]
	if !ok {
		return 0, invalid("unknown multiplier %q", multiplier)
	}
	if n > math.MaxInt64/unit {
		return 0, invalid("amount overflow")
	}
	return n * unit, nil
}

func parseFields(inv *Invoice, fields []byte) error {
	for len(fields) > 0 {
		if len(fields) < 3 {
			return invalid("truncated field header")
		}
		typ := fields[0]
		length := int(fields[1])<<5 | int(fields[2])
		fields = fields[3:]
		if len(fields) < length {
			return invalid("truncated field %d", typ)
		}
		value := fields[:length]
		fields = fields[length:]

		switch typ {
		case fieldPaymentHash:
			// wrong-length hashes are skipped so newer encodings stay readable
			if length != hashGroups || inv.PaymentHash != "" {
				continue
			}
			b, err := toBytes(value)
			if err != nil {
				return err
			}
			inv.PaymentHash = hex.EncodeToString(b)
		case fieldPaymentSecret:
			if length != hashGroups {
				continue
			}
			b, err := toBytes(value)
			if err != nil {
				return err
			}
			inv.PaymentSecret = hex.EncodeToString(b)
		case fieldDescription:
			b, err := toBytes(value)
			if err != nil {
				return err
			}
			inv.Description = string(b)
		case fieldDescriptionHash:
			if length != hashGroups {
				continue
			}
			b, err := toBytes(value)
			if err != nil {
				return err
			}
			inv.DescriptionHash = hex.EncodeToString(b)
		case fieldExpiry:
			inv.Expiry = time.Duration(readUintMax(value, maxExpirySeconds)) * time.Second
		case fieldMinFinalCLTV:
			inv.MinFinalCLTV = int64(readUintMax(value, math.MaxInt64))
		case fieldPayee:
			if length != pubkeyGroups {
				continue
			}
			b, err := toBytes(value)
			if err != nil {
				return err
			}
			inv.Payee = hex.EncodeToString(b)
		}
	}
	return nil
}

func recoverPayee(hrp string, body, sigGroups []byte) (*btcec.PublicKey, error) {
	sig, err := bech32.ConvertBits(sigGroups, 5, 8, false)
	if err != nil || len(sig) != 65 {
		return nil, invalid("bad signature encoding")
	}
	recid := sig[64]
	if recid > 3 {
		return nil, invalid("bad recovery id")
	}
	compact := make([]byte, 65)
	compact[0] = 27 + 4 + recid
	copy(compact[1:], sig[:64])

	hash, err := signingHash(hrp, body)
	if err != nil {
		return nil, err
	}
	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return nil, invalid("signature: %v", err)
	}
	return pub, nil
}

func signingHash(hrp string, body []byte) ([]byte, error) {
	b, err := bech32.ConvertBits(body, 5, 8, true)
	if err != nil {
		return nil, invalid("%v", err)
	}
	h := sha256.New()
	h.Write([]byte(hrp))
	h.Write(b)
	return h.Sum(nil), nil
}

func toBytes(groups []byte) ([]byte, error) {
	b, err := bech32.ConvertBits(groups, 5, 8, false)
	if err != nil {
		// trailing padding bits are allowed to be non-byte-aligned
		b, err = bech32.ConvertBits(groups, 5, 8, true)
		if err != nil {
			return nil, invalid("%v", err)
		}
		b = b[:len(groups)*5/8]
	}
	return b, nil
}

func readUint(groups []byte) uint64 {
	var v uint64
	for _, g := range groups {
		v = v<<5 | uint64(g)
	}
	return v
}

// readUintMax is readUint saturating at limit, for fields whose length the
// sender controls.
func readUintMax(groups []byte, limit uint64) uint64 {
	var v uint64
	for _, g := range groups {
		if v > limit>>5 {
			return limit
		}
		v = v<<5 | uint64(g)
	}
	return min(v, limit)
}
