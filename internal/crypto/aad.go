// Package icrypto holds the key-derivation and associated-data helpers used
// to wrap key custody secrets.
package icrypto

import (
	"encoding/binary"
)

const aadCustodyWrap = "CUSTODYWRAP"

// AADCustodyWrap binds a wrapped custody secret to the alias it unlocks.
func AADCustodyWrap(alias string, ver int) []byte {
	return binary.BigEndian.AppendUint32(buildAAD(aadCustodyWrap, alias), uint32(ver))
}

// buildAAD length-prefixes each part so field boundaries stay unambiguous.
func buildAAD(parts ...string) []byte {
	var res []byte
	for _, p := range parts {
		res = appendLenPrefix(res, []byte(p))
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
