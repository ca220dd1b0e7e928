// Package fingerprint dials upstreams with a browser-shaped TLS
// ClientHello.
//
// Some upstreams refuse connections whose handshake does not look like a
// real browser's. The Go TLS stack always sends the same recognisable
// hello, so the you adapter connects through a Transport that builds the
// hello with uTLS from a Profile instead.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"

	utls "github.com/refraction-networking/utls"

	"github.com/howard-nolan/freechat/internal/config"
)

// Profile is a resolved ClientHello description: names from the config
// file already mapped to uTLS constants.
type Profile struct {
	Ciphers             []uint16
	SignatureAlgorithms []utls.SignatureScheme
	Curves              []utls.CurveID
	ALPN                []string
	MinVersion          uint16
	MaxVersion          uint16
	Grease              bool
	Padding             bool
}

// Chrome108 mirrors the hello of desktop Chrome 108.
func Chrome108() Profile {
	return Profile{
		Ciphers: []uint16{
			utls.TLS_AES_128_GCM_SHA256,
			utls.TLS_AES_256_GCM_SHA384,
			utls.TLS_CHACHA20_POLY1305_SHA256,
			utls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			utls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			utls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			utls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			utls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			utls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			utls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
			utls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
			utls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			utls.TLS_RSA_WITH_AES_256_GCM_SHA384,
			utls.TLS_RSA_WITH_AES_128_CBC_SHA,
			utls.TLS_RSA_WITH_AES_256_CBC_SHA,
		},
		SignatureAlgorithms: []utls.SignatureScheme{
			utls.ECDSAWithP256AndSHA256,
			utls.PSSWithSHA256,
			utls.PKCS1WithSHA256,
			utls.ECDSAWithP384AndSHA384,
			utls.PSSWithSHA384,
			utls.PKCS1WithSHA384,
			utls.PSSWithSHA512,
			utls.PKCS1WithSHA512,
		},
		Curves:     []utls.CurveID{utls.X25519, utls.CurveP256, utls.CurveP384},
		ALPN:       []string{"h2", "http/1.1"},
		MinVersion: utls.VersionTLS12,
		MaxVersion: utls.VersionTLS13,
		Grease:     true,
		Padding:    true,
	}
}

var cipherNames = map[string]uint16{
	"TLS_AES_128_GCM_SHA256":                        utls.TLS_AES_128_GCM_SHA256,
	"TLS_AES_256_GCM_SHA384":                        utls.TLS_AES_256_GCM_SHA384,
	"TLS_CHACHA20_POLY1305_SHA256":                  utls.TLS_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256":       utls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":         utls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384":       utls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":         utls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": utls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256":   utls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA":          utls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA":          utls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA":            utls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA":            utls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"TLS_RSA_WITH_AES_128_GCM_SHA256":               utls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_RSA_WITH_AES_256_GCM_SHA384":               utls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_RSA_WITH_AES_128_CBC_SHA":                  utls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"TLS_RSA_WITH_AES_256_CBC_SHA":                  utls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

var sigalgNames = map[string]utls.SignatureScheme{
	"ecdsa_secp256r1_sha256": utls.ECDSAWithP256AndSHA256,
	"ecdsa_secp384r1_sha384": utls.ECDSAWithP384AndSHA384,
	"ecdsa_secp521r1_sha512": utls.ECDSAWithP521AndSHA512,
	"rsa_pss_rsae_sha256":    utls.PSSWithSHA256,
	"rsa_pss_rsae_sha384":    utls.PSSWithSHA384,
	"rsa_pss_rsae_sha512":    utls.PSSWithSHA512,
	"rsa_pkcs1_sha256":       utls.PKCS1WithSHA256,
	"rsa_pkcs1_sha384":       utls.PKCS1WithSHA384,
	"rsa_pkcs1_sha512":       utls.PKCS1WithSHA512,
	"ed25519":                utls.Ed25519,
}

var curveNames = map[string]utls.CurveID{
	"x25519":    utls.X25519,
	"p-256":     utls.CurveP256,
	"secp256r1": utls.CurveP256,
	"p-384":     utls.CurveP384,
	"secp384r1": utls.CurveP384,
}

var versionNames = map[string]uint16{
	"1.0": utls.VersionTLS10,
	"1.1": utls.VersionTLS11,
	"1.2": utls.VersionTLS12,
	"1.3": utls.VersionTLS13,
}

// FromConfig resolves a configured profile. A zero config yields
// Chrome108; any field left empty falls back to the Chrome108 value.
func FromConfig(c config.TLSProfile) (Profile, error) {
	p := Chrome108()
	if c.IsZero() {
		return p, nil
	}
	if c.Grease != nil {
		p.Grease = *c.Grease
	}
	if c.Padding != nil {
		p.Padding = *c.Padding
	}

	if len(c.Ciphers) > 0 {
		p.Ciphers = p.Ciphers[:0:0]
		for _, name := range c.Ciphers {
			id, ok := cipherNames[strings.ToUpper(name)]
			if !ok {
				return Profile{}, fmt.Errorf("unknown cipher %q", name)
			}
			p.Ciphers = append(p.Ciphers, id)
		}
	}

	if len(c.SignatureAlgorithms) > 0 {
		p.SignatureAlgorithms = nil
		for _, name := range c.SignatureAlgorithms {
			s, ok := sigalgNames[strings.ToLower(name)]
			if !ok {
				return Profile{}, fmt.Errorf("unknown signature algorithm %q", name)
			}
			p.SignatureAlgorithms = append(p.SignatureAlgorithms, s)
		}
	}

	if len(c.Curves) > 0 {
		p.Curves = nil
		for _, name := range c.Curves {
			id, ok := curveNames[strings.ToLower(name)]
			if !ok {
				return Profile{}, fmt.Errorf("unknown curve %q", name)
			}
			p.Curves = append(p.Curves, id)
		}
	}

	if len(c.ALPN) > 0 {
		p.ALPN = append([]string(nil), c.ALPN...)
	}

	var err error
	if c.MinVersion != "" {
		if p.MinVersion, err = parseVersion(c.MinVersion); err != nil {
			return Profile{}, err
		}
	}
	if c.MaxVersion != "" {
		if p.MaxVersion, err = parseVersion(c.MaxVersion); err != nil {
			return Profile{}, err
		}
	}
	if p.MinVersion > p.MaxVersion {
		return Profile{}, fmt.Errorf("min_version %s is above max_version %s", c.MinVersion, c.MaxVersion)
	}

	return p, nil
}

func parseVersion(s string) (uint16, error) {
	v, ok := versionNames[strings.TrimPrefix(strings.ToLower(s), "tls")]
	if !ok {
		return 0, fmt.Errorf("unknown TLS version %q", s)
	}
	return v, nil
}

// keyShareGroup is the group the TLS 1.3 key share is generated for: the
// most preferred supported curve.
func (p Profile) keyShareGroup() utls.CurveID {
	for _, c := range p.Curves {
		if c != utls.CurveID(utls.GREASE_PLACEHOLDER) {
			return c
		}
	}
	return utls.X25519
}

// Spec builds the ClientHello for one handshake. uTLS mutates the spec
// while applying it, so every dial needs a fresh one.
func (p Profile) Spec() *utls.ClientHelloSpec {
	grease := uint16(utls.GREASE_PLACEHOLDER)
	tls13 := p.MaxVersion >= utls.VersionTLS13

	var ciphers []uint16
	if p.Grease {
		ciphers = append(ciphers, grease)
	}
	ciphers = append(ciphers, p.Ciphers...)

	var curves []utls.CurveID
	if p.Grease {
		curves = append(curves, utls.CurveID(grease))
	}
	curves = append(curves, p.Curves...)

	var exts []utls.TLSExtension
	if p.Grease {
		exts = append(exts, &utls.UtlsGREASEExtension{})
	}
	exts = append(exts,
		&utls.SNIExtension{},
		&utls.ExtendedMasterSecretExtension{},
		&utls.RenegotiationInfoExtension{Renegotiation: utls.RenegotiateOnceAsClient},
		&utls.SupportedCurvesExtension{Curves: curves},
		&utls.SupportedPointsExtension{SupportedPoints: []byte{0}},
		&utls.SessionTicketExtension{},
		&utls.ALPNExtension{AlpnProtocols: append([]string(nil), p.ALPN...)},
		&utls.StatusRequestExtension{},
		&utls.SignatureAlgorithmsExtension{
			SupportedSignatureAlgorithms: append([]utls.SignatureScheme(nil), p.SignatureAlgorithms...),
		},
		&utls.SCTExtension{},
	)

	if tls13 {
		var shares []utls.KeyShare
		if p.Grease {
			shares = append(shares, utls.KeyShare{Group: utls.CurveID(grease), Data: []byte{0}})
		}
		shares = append(shares, utls.KeyShare{Group: p.keyShareGroup()})

		var versions []uint16
		if p.Grease {
			versions = append(versions, grease)
		}
		for v := p.MaxVersion; v >= p.MinVersion && v >= utls.VersionTLS10; v-- {
			versions = append(versions, v)
		}

		exts = append(exts,
			&utls.KeyShareExtension{KeyShares: shares},
			&utls.PSKKeyExchangeModesExtension{Modes: []uint8{utls.PskModeDHE}},
			&utls.SupportedVersionsExtension{Versions: versions},
		)
	}

	exts = append(exts, &utls.UtlsCompressCertExtension{
		Algorithms: []utls.CertCompressionAlgo{utls.CertCompressionBrotli},
	})
	if p.Grease {
		exts = append(exts, &utls.UtlsGREASEExtension{})
	}
	if p.Padding {
		exts = append(exts, &utls.UtlsPaddingExtension{GetPaddingLen: utls.BoringPaddingStyle})
	}

	return &utls.ClientHelloSpec{
		CipherSuites:       ciphers,
		CompressionMethods: []byte{0},
		Extensions:         exts,
		TLSVersMin:         p.MinVersion,
		TLSVersMax:         p.MaxVersion,
		GetSessionID:       sha256.Sum256,
	}
}
