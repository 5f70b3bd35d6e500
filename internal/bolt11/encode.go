package bolt11

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// a field length is ten bits of 5-bit groups
const maxDescriptionBytes = 1023 * 5 / 8

// Encode serialises inv and signs it with key. Payee is set from the key.
func Encode(inv *Invoice, key *btcec.PrivateKey) (string, error) {
	if inv.Network == "" {
		return "", invalid("missing network")
	}
	if inv.AmountMsat < 0 {
		return "", invalid("negative amount")
	}
	hash, err := hex.DecodeString(inv.PaymentHash)
	if err != nil || len(hash) != 32 {
		return "", invalid("payment hash must be 32 bytes of hex")
	}

	hrp := "ln" + inv.Network + formatAmount(inv.AmountMsat)

	data := uintGroups(uint64(inv.Timestamp.Unix()), timestampGroups)
	data = appendField(data, fieldPaymentHash, bytesGroups(hash))

	if inv.PaymentSecret != "" {
		secret, err := hex.DecodeString(inv.PaymentSecret)
		if err != nil || len(secret) != 32 {
			return "", invalid("payment secret must be 32 bytes of hex")
		}
		data = appendField(data, fieldPaymentSecret, bytesGroups(secret))
	}
	if inv.DescriptionHash != "" {
		dh, err := hex.DecodeString(inv.DescriptionHash)
		if err != nil || len(dh) != 32 {
			return "", invalid("description hash must be 32 bytes of hex")
		}
		data = appendField(data, fieldDescriptionHash, bytesGroups(dh))
	} else {
		if len(inv.Description) > maxDescriptionBytes {
			return "", invalid("description longer than %d bytes", maxDescriptionBytes)
		}
		data = appendField(data, fieldDescription, bytesGroups([]byte(inv.Description)))
	}
	if inv.Expiry > 0 && inv.Expiry != DefaultExpiry {
		data = appendField(data, fieldExpiry, minimalGroups(uint64(inv.Expiry.Seconds())))
	}
	if inv.MinFinalCLTV > 0 && inv.MinFinalCLTV != DefaultMinFinalCLTV {
		data = appendField(data, fieldMinFinalCLTV, minimalGroups(uint64(inv.MinFinalCLTV)))
	}

	digest, err := signingHash(hrp, data)
	if err != nil {
		return "", err
	}
	compact, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("sign invoice: %w", err)
	}
	// compact form is <27+4+recid><r><s>; the invoice wants <r><s><recid>
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 31
	data = append(data, bytesGroups(sig)...)

	out, err := bech32.Encode(hrp, data)
	if err != nil {
		return "", fmt.Errorf("encode invoice: %w", err)
	}
	inv.Payee = hex.EncodeToString(key.PubKey().SerializeCompressed())
	return out, nil
}

func formatAmount(msat int64) string {
	switch {
	case msat == 0:
		return ""
	case msat%100_000_000_000 == 0:
		return strconv.FormatInt(msat/100_000_000_000, 10)
	case msat%100_000_000 == 0:
		return strconv.FormatInt(msat/100_000_000, 10) + "m"
	case msat%100_000 == 0:
		return strconv.FormatInt(msat/100_000, 10) + "u"
	case msat%100 == 0:
		return strconv.FormatInt(msat/100, 10) + "n"
	default:
		return strconv.FormatInt(msat*10, 10) + "p"
	}
}

func appendField(data []byte, typ byte, value []byte) []byte {
	data = append(data, typ, byte(len(value)>>5), byte(len(value)&31))
	return append(data, value...)
}

func bytesGroups(b []byte) []byte {
	groups, _ := bech32.ConvertBits(b, 8, 5, true)
	return groups
}

func uintGroups(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v & 31)
		v >>= 5
	}
	return out
}

func minimalGroups(v uint64) []byte {
	var out []byte
	for v > 0 {
		out = append([]byte{byte(v & 31)}, out...)
		v >>= 5
	}
	return out
}
