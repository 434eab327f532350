package conversion

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// DomainConversion prefixes conversion keys. The version suffix leaves room
// for changing the key inputs later.
const DomainConversion = "convtrack/conversion/v1"

// Key returns the stable identity of a conversion: the same kind and order
// id always yield the same key, across pages and processes.
func Key(kind Kind, orderID string) (string, error) {
	if orderID == "" {
		return "", fmt.Errorf("conversion key: empty order id")
	}
	canonical, err := marshalCanonical(map[string]string{
		"kind":     string(kind),
		"order_id": orderID,
	})
	if err != nil {
		return "", fmt.Errorf("conversion key: %w", err)
	}
	return hashWithDomain(DomainConversion, canonical), nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// marshalCanonical writes a flat string map with sorted keys, NFC-normalized
// strings and no HTML escaping.
func marshalCanonical(m map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeString(&buf, m[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
