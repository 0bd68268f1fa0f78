package main

import (
	"crypto/tls"
	"encoding/json"

	utls "github.com/refraction-networking/utls"
)

// helloProfile is the fingerprint section of tls_config.json. Names are kept
// human readable in the file and mapped to wire identifiers here.
type helloProfile struct {
	TLSVersionMin      string           `json:"tls_version_min"`
	TLSVersionMax      string           `json:"tls_version_max"`
	HTTP2              bool             `json:"http2"`
	GREASE             bool             `json:"grease"`
	Ciphers            []string         `json:"ciphers"`
	CompressionMethods []uint8          `json:"compression_methods"`
	Extensions         []extensionEntry `json:"extensions"`
}

type extensionEntry struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

var cipherByName = map[string]uint16{
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256":       tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":         tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384":       tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":         tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA":          tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA":            tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA":          tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA":            tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"TLS_AES_128_GCM_SHA256":                        tls.TLS_AES_128_GCM_SHA256,
	"TLS_AES_256_GCM_SHA384":                        tls.TLS_AES_256_GCM_SHA384,
	"TLS_CHACHA20_POLY1305_SHA256":                  tls.TLS_CHACHA20_POLY1305_SHA256,
}

var curveByName = map[string]utls.CurveID{
	"X25519MLKEM768":     utls.CurveID(4588),
	"SecP256r1MLKEM768":  utls.CurveID(4587),
	"SecP384r1MLKEM1024": utls.CurveID(4589),
	"X25519":             utls.X25519,
	"CurveP256":          utls.CurveP256,
	"CurveP384":          utls.CurveP384,
	"CurveP521":          utls.CurveP521,
}

var sigAlgByName = map[string]utls.SignatureScheme{
	"PSSWithSHA256":          utls.SignatureScheme(tls.PSSWithSHA256),
	"ECDSAWithP256AndSHA256": utls.SignatureScheme(tls.ECDSAWithP256AndSHA256),
	"Ed25519":                utls.SignatureScheme(tls.Ed25519),
	"PSSWithSHA384":          utls.SignatureScheme(tls.PSSWithSHA384),
	"PSSWithSHA512":          utls.SignatureScheme(tls.PSSWithSHA512),
	"PKCS1WithSHA256":        utls.SignatureScheme(tls.PKCS1WithSHA256),
	"PKCS1WithSHA384":        utls.SignatureScheme(tls.PKCS1WithSHA384),
	"PKCS1WithSHA512":        utls.SignatureScheme(tls.PKCS1WithSHA512),
	"ECDSAWithP384AndSHA384": utls.SignatureScheme(tls.ECDSAWithP384AndSHA384),
	"ECDSAWithP521AndSHA512": utls.SignatureScheme(tls.ECDSAWithP521AndSHA512),
	"PKCS1WithSHA1":          utls.SignatureScheme(tls.PKCS1WithSHA1),
	"ECDSAWithSHA1":          utls.SignatureScheme(tls.ECDSAWithSHA1),
}

func parseTLSVersion(s string) uint16 {
	if s == "0x0304" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func buildHelloSpec(fp *helloProfile, serverName string) utls.ClientHelloSpec {
	var suites []uint16
	for _, name := range fp.Ciphers {
		if id, ok := cipherByName[name]; ok {
			suites = append(suites, id)
		}
	}

	compression := fp.CompressionMethods
	if len(compression) == 0 {
		compression = []uint8{0}
	}

	var exts []utls.TLSExtension
	for _, entry := range fp.Extensions {
		if e := buildExtension(entry, serverName); e != nil {
			exts = append(exts, e)
		}
	}

	return utls.ClientHelloSpec{
		TLSVersMin:         parseTLSVersion(fp.TLSVersionMin),
		TLSVersMax:         parseTLSVersion(fp.TLSVersionMax),
		CipherSuites:       suites,
		CompressionMethods: compression,
		Extensions:         exts,
	}
}

// buildExtension maps one named extension from the profile to its uTLS form.
// Unknown names are skipped so newer profiles degrade instead of failing.
func buildExtension(entry extensionEntry, serverName string) utls.TLSExtension {
	decode := func(v any) {
		if entry.Data != nil {
			json.Unmarshal(entry.Data, v)
		}
	}

	switch entry.Name {
	case "server_name":
		return &utls.SNIExtension{ServerName: serverName}
	case "ec_point_formats":
		return &utls.SupportedPointsExtension{SupportedPoints: []byte{0}}
	case "renegotiation_info":
		return &utls.RenegotiationInfoExtension{Renegotiation: utls.RenegotiateOnceAsClient}
	case "extended_master_secret":
		return &utls.ExtendedMasterSecretExtension{}
	case "signed_certificate_timestamp":
		return &utls.SCTExtension{}
	case "status_request":
		return &utls.StatusRequestExtension{}

	case "supported_groups":
		var data struct {
			Curves []string `json:"curves"`
		}
		decode(&data)
		var groups []utls.CurveID
		for _, name := range data.Curves {
			if id, ok := curveByName[name]; ok {
				groups = append(groups, id)
			}
		}
		return &utls.SupportedCurvesExtension{Curves: groups}

	case "signature_algorithms", "signature_algorithms_cert":
		var data struct {
			Algorithms []string `json:"algorithms"`
		}
		decode(&data)
		var algs []utls.SignatureScheme
		for _, name := range data.Algorithms {
			if id, ok := sigAlgByName[name]; ok {
				algs = append(algs, id)
			}
		}
		if entry.Name == "signature_algorithms_cert" {
			return &utls.SignatureAlgorithmsCertExtension{SupportedSignatureAlgorithms: algs}
		}
		return &utls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: algs}

	case "supported_versions":
		var data struct {
			Versions []string `json:"versions"`
		}
		decode(&data)
		var versions []uint16
		for _, v := range data.Versions {
			versions = append(versions, parseTLSVersion(v))
		}
		return &utls.SupportedVersionsExtension{Versions: versions}

	case "key_share":
		var data struct {
			Groups []string `json:"groups"`
		}
		decode(&data)
		var shares []utls.KeyShare
		for _, name := range data.Groups {
			if id, ok := curveByName[name]; ok {
				shares = append(shares, utls.KeyShare{Group: id})
			}
		}
		return &utls.KeyShareExtension{KeyShares: shares}
	}
	return nil
}
