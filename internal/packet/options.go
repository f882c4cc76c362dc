package packet

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"
)

// Option kinds shared by the IPv4 and TCP type-length-value encodings.
const (
	optionEnd = 0
	optionNOP = 1
	optionMSS = 2
)

type option struct {
	kind   uint8
	length uint8
	data   []byte
}

// splitOptions walks a TLV option list. It stops at the end-of-list marker
// (which is kept) or at the first malformed entry.
func splitOptions(raw []byte) []option {
	var opts []option
	i := 0
	for i < len(raw) {
		kind := raw[i]
		switch kind {
		case optionEnd:
			return append(opts, option{kind: kind, length: 1})
		case optionNOP:
			opts = append(opts, option{kind: kind, length: 1})
			i++
			continue
		}
		if i+1 >= len(raw) {
			return opts
		}
		length := int(raw[i+1])
		if length < 2 || i+length > len(raw) {
			return opts
		}
		opts = append(opts, option{kind: kind, length: uint8(length), data: raw[i+2 : i+length]})
		i += length
	}
	return opts
}

func tcpOptions(raw []byte) []layers.TCPOption {
	var out []layers.TCPOption
	for _, o := range splitOptions(raw) {
		out = append(out, layers.TCPOption{
			OptionType:   layers.TCPOptionKind(o.kind),
			OptionLength: o.length,
			OptionData:   o.data,
		})
	}
	return out
}

// ipv4Options drops the end-of-list marker; gopacket zero-pads the option
// area to a word boundary on its own and miscounts an explicit marker.
func ipv4Options(raw []byte) []layers.IPv4Option {
	var out []layers.IPv4Option
	for _, o := range splitOptions(raw) {
		if o.kind == optionEnd {
			break
		}
		out = append(out, layers.IPv4Option{
			OptionType:   o.kind,
			OptionLength: o.length,
			OptionData:   o.data,
		})
	}
	return out
}

func mssOption(mss uint16) layers.TCPOption {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, mss)
	return layers.TCPOption{
		OptionType:   layers.TCPOptionKindMSS,
		OptionLength: 4,
		OptionData:   data,
	}
}
