package tlsinspector

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

var (
	ErrNotTLS    = errors.New("tlsinspector: not a tls client hello")
	ErrMalformed = errors.New("tlsinspector: malformed client hello")

	errNeedMore = errors.New("tlsinspector: client hello incomplete")
)

const (
	tlsRecordHeaderLen = 5

	tlsContentTypeHandshake = 0x16

	tlsHandshakeMessageTypeClientHello = 1

	tlsExtensionServerName = 0
	tlsExtensionALPN       = 16

	tlsNameTypeHostName = 0
)

type ClientHello struct {
	// Record layer version, 3.0 (SSL 3.0) through 3.4.
	RecordVersion uint16
	ServerName    string
	ALPN          []string
}

// ParseClientHello parses the first TLS record in data. It returns
// errNeedMore while data is a valid prefix of a ClientHello record.
func ParseClientHello(data []byte) (*ClientHello, error) {
	// TLS Record Header
	// <1 byte> ContentType (0x16: Handshake)
	// <2 byte> ProtocolVersion (major, minor)
	// <2 byte> Length
	if len(data) >= 1 && data[0] != tlsContentTypeHandshake {
		return nil, ErrNotTLS
	}
	if len(data) >= 2 && data[1] != 3 {
		return nil, ErrNotTLS
	}
	if len(data) >= 3 && data[2] > 4 {
		return nil, ErrNotTLS
	}
	if len(data) < tlsRecordHeaderLen {
		return nil, errNeedMore
	}

	hello := &ClientHello{RecordVersion: uint16(data[1])<<8 | uint16(data[2])}

	payloadLen := int(data[3])<<8 | int(data[4])
	if payloadLen == 0 {
		return nil, ErrNotTLS
	}

	// Handshake header: <1 byte> type, <3 byte> length.
	payload := data[tlsRecordHeaderLen:]
	if len(payload) >= 1 && payload[0] != tlsHandshakeMessageTypeClientHello {
		return nil, ErrNotTLS
	}
	if len(payload) < payloadLen {
		return nil, errNeedMore
	}
	payload = payload[:payloadLen]

	if len(payload) < 4 {
		return nil, ErrMalformed
	}
	handshakeLen := int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if 4+handshakeLen > len(payload) {
		// The ClientHello continues in further records. The record header
		// already says TLS; the extensions are not looked at.
		return hello, nil
	}

	if err := parseClientHelloBody(payload[4:4+handshakeLen], hello); err != nil {
		return nil, err
	}
	return hello, nil
}

// ClientHello body
// < 2 byte> Version
// <32 byte> Random
// < 1 byte> Session ID Len, Session ID
// < 2 byte> Cipher Suites Len, Cipher Suites
// < 1 byte> Compression Methods Len, Compression Methods
// < 2 byte> Extensions Len (optional)
// <repeat> <2 byte> Ext Type, <2 byte> Ext Len, Ext Data
func parseClientHelloBody(body []byte, hello *ClientHello) error {
	s := cryptobyte.String(body)

	var (
		version      uint16
		random       []byte
		sessionID    cryptobyte.String
		cipherSuites cryptobyte.String
		compression  cryptobyte.String
	)
	if !s.ReadUint16(&version) ||
		!s.ReadBytes(&random, 32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&cipherSuites) ||
		!s.ReadUint8LengthPrefixed(&compression) {
		return ErrMalformed
	}
	if len(cipherSuites) == 0 || len(compression) == 0 {
		return ErrMalformed
	}

	if s.Empty() {
		return nil
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return ErrMalformed
	}

	for !extensions.Empty() {
		var (
			extType uint16
			ext     cryptobyte.String
		)
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&ext) {
			return ErrMalformed
		}

		switch extType {
		case tlsExtensionServerName:
			name, err := parseServerName(ext)
			if err != nil {
				return err
			}
			hello.ServerName = name
		case tlsExtensionALPN:
			protos, err := parseALPN(ext)
			if err != nil {
				return err
			}
			hello.ALPN = protos
		}
	}

	return nil
}

// ServerNameList
// <2 byte> List Len
// <repeat> <1 byte> NameType (0: HostName), <2 byte> Len, HostName
func parseServerName(ext cryptobyte.String) (string, error) {
	var list cryptobyte.String
	if !ext.ReadUint16LengthPrefixed(&list) || !ext.Empty() {
		return "", ErrMalformed
	}

	for !list.Empty() {
		var (
			nameType uint8
			name     cryptobyte.String
		)
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return "", ErrMalformed
		}
		if nameType == tlsNameTypeHostName && len(name) > 0 {
			return string(name), nil
		}
	}

	return "", nil
}

// ProtocolNameList
// <2 byte> List Len
// <repeat> <1 byte> Len, ProtocolName
func parseALPN(ext cryptobyte.String) ([]string, error) {
	var list cryptobyte.String
	if !ext.ReadUint16LengthPrefixed(&list) || !ext.Empty() {
		return nil, ErrMalformed
	}

	var protos []string
	for !list.Empty() {
		var proto cryptobyte.String
		if !list.ReadUint8LengthPrefixed(&proto) || len(proto) == 0 {
			return nil, ErrMalformed
		}
		protos = append(protos, string(proto))
	}
	return protos, nil
}
