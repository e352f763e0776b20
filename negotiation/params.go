// Package negotiation implements the NegotiationEngine component (spec
// §4.5): a two-role session state machine that agrees on a ParameterSet
// from ranked local preferences and a peer's advertised capabilities.
package negotiation

import (
	"fmt"
	"sort"

	"github.com/xenocomm/xenocomm/xerr"
)

// DataFormat is the negotiated application data encoding.
type DataFormat string

const (
	DataFormatVectorFloat32 DataFormat = "VECTOR_FLOAT32"
	DataFormatJSON          DataFormat = "JSON"
	DataFormatProtobuf      DataFormat = "PROTOBUF"
	DataFormatMsgPack       DataFormat = "MSGPACK"
)

// Compression is the negotiated record compression codec.
type Compression string

const (
	CompressionNone   Compression = "NONE"
	CompressionSnappy Compression = "SNAPPY"
	CompressionZstd   Compression = "ZSTD"
	CompressionLZ4    Compression = "LZ4"
)

// ErrorCorrection is the negotiated ErrorCoder variant (spec §4.1).
type ErrorCorrection string

const (
	ErrorCorrectionNone        ErrorCorrection = "NONE"
	ErrorCorrectionChecksum    ErrorCorrection = "CHECKSUM"
	ErrorCorrectionReedSolomon ErrorCorrection = "REED_SOLOMON"
)

// Cipher is the negotiated AEAD suite.
type Cipher string

const (
	CipherNone              Cipher = "NONE"
	CipherAES128GCM         Cipher = "AES_128_GCM"
	CipherAES192GCM         Cipher = "AES_192_GCM"
	CipherAES256GCM         Cipher = "AES_256_GCM"
	CipherChaCha20Poly1305  Cipher = "CHACHA20_POLY1305"
	CipherXChaCha20Poly1305 Cipher = "XCHACHA20_POLY1305"
)

// KeyExchange is the negotiated key-agreement method.
type KeyExchange string

const (
	KeyExchangeNone      KeyExchange = "NONE"
	KeyExchangeECDHEP256 KeyExchange = "ECDHE_P256"
	KeyExchangeECDHE25519 KeyExchange = "ECDHE_25519"
	KeyExchangeRSA       KeyExchange = "RSA"
)

// AuthMethod is the negotiated peer-authentication method.
type AuthMethod string

const (
	AuthMethodNone        AuthMethod = "NONE"
	AuthMethodPSK         AuthMethod = "PSK"
	AuthMethodCertificate AuthMethod = "CERTIFICATE"
)

// KeySize is the negotiated symmetric key size in bits.
type KeySize int

const (
	KeySizeNone KeySize = 0
	KeySize128  KeySize = 128
	KeySize192  KeySize = 192
	KeySize256  KeySize = 256
)

// ParameterSet is the negotiated, immutable-once-finalized tuple (spec §3).
type ParameterSet struct {
	ProtocolVersion string
	SecurityVersion string
	DataFormat      DataFormat
	Compression     Compression
	ErrorCorrection ErrorCorrection
	Cipher          Cipher
	KeyExchange     KeyExchange
	AuthMethod      AuthMethod
	KeySize         KeySize
	Custom          map[string]string
}

// Validate enforces the compatibility table spec §3 describes: cipher/key
// size pairing, and "encryption=NONE iff key-exchange=NONE".
func (p ParameterSet) Validate() error {
	return validateSecurityTriple(p.Cipher, p.KeyExchange, p.KeySize)
}

// validateSecurityTriple holds the cross-field compatibility rules coupling
// Cipher, KeyExchange and KeySize. It is the single source of truth for
// those rules: ParameterSet.Validate checks a finished proposal against it,
// and pickBestSecurityTriple uses the same function to prune the joint
// search space down to combinations that would actually pass Validate.
func validateSecurityTriple(cipher Cipher, keyExchange KeyExchange, keySize KeySize) error {
	switch cipher {
	case CipherNone:
		if keyExchange != KeyExchangeNone {
			return xerr.New(xerr.Validation, "negotiation.validateSecurityTriple")
		}
	case CipherAES128GCM:
		if keySize != KeySize128 {
			return xerr.New(xerr.Validation, "negotiation.validateSecurityTriple")
		}
	case CipherAES192GCM:
		if keySize != KeySize192 {
			return xerr.New(xerr.Validation, "negotiation.validateSecurityTriple")
		}
	case CipherAES256GCM:
		if keySize != KeySize256 {
			return xerr.New(xerr.Validation, "negotiation.validateSecurityTriple")
		}
	case CipherChaCha20Poly1305, CipherXChaCha20Poly1305:
		if keySize != KeySize256 {
			return xerr.New(xerr.Validation, "negotiation.validateSecurityTriple")
		}
	default:
		return xerr.New(xerr.Validation, "negotiation.validateSecurityTriple")
	}
	if cipher != CipherNone && keyExchange == KeyExchangeNone {
		return xerr.New(xerr.Validation, "negotiation.validateSecurityTriple")
	}
	if keyExchange == KeyExchangeECDHEP256 && keySize != KeySize256 {
		return xerr.New(xerr.Validation, "negotiation.validateSecurityTriple")
	}
	return nil
}

// RankedOption is a candidate value with a preference rank (lower wins), a
// required flag, and an ordered fallback list (spec §3).
type RankedOption[T comparable] struct {
	Value     T
	Rank      int
	Required  bool
	Fallbacks []T
}

// ParameterPreference bundles ranked option lists for every parameter
// class plus custom-parameter preferences.
type ParameterPreference struct {
	DataFormats      []RankedOption[DataFormat]
	Compressions     []RankedOption[Compression]
	ErrorCorrections []RankedOption[ErrorCorrection]
	Ciphers          []RankedOption[Cipher]
	KeyExchanges     []RankedOption[KeyExchange]
	AuthMethods      []RankedOption[AuthMethod]
	KeySizes         []RankedOption[KeySize]
	Custom           map[string]RankedOption[string]
}

// RemoteCapabilities is the set of values a peer has advertised support
// for, for each parameter class.
type RemoteCapabilities struct {
	DataFormats      []DataFormat
	Compressions     []Compression
	ErrorCorrections []ErrorCorrection
	Ciphers          []Cipher
	KeyExchanges     []KeyExchange
	AuthMethods      []AuthMethod
	KeySizes         []KeySize
}

// rankedCandidate is a local preference option resolved against a remote's
// advertised capabilities, carrying the rank it matched at.
type rankedCandidate[T comparable] struct {
	value T
	rank  int
}

// candidatesFor resolves options against allowed (by value or first
// matching fallback), returning every option that matched. requiredUnmet
// reports whether some Required option had no match at all.
func candidatesFor[T comparable](options []RankedOption[T], allowed []T) ([]rankedCandidate[T], bool) {
	allowedSet := make(map[T]bool, len(allowed))
	for _, v := range allowed {
		allowedSet[v] = true
	}

	var candidates []rankedCandidate[T]
	var requiredUnmet bool

	for _, opt := range options {
		matched, ok := firstMatch(opt, allowedSet)
		if !ok {
			if opt.Required {
				requiredUnmet = true
			}
			continue
		}
		candidates = append(candidates, rankedCandidate[T]{value: matched, rank: opt.Rank})
	}
	return candidates, requiredUnmet
}

// pickBest selects the option (by value or first matching fallback) with
// the lowest rank that appears in allowed, with ties broken lexically by
// the option's string form for determinism (spec §4.5's tie-break rule).
// It returns an error if a Required option has no match in allowed.
func pickBest[T comparable](options []RankedOption[T], allowed []T) (T, error) {
	candidates, requiredUnmet := candidatesFor(options, allowed)

	var zero T
	if requiredUnmet {
		return zero, xerr.New(xerr.Validation, "negotiation.pickBest")
	}
	if len(candidates) == 0 {
		return zero, xerr.New(xerr.Validation, "negotiation.pickBest")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		return fmt.Sprint(candidates[i].value) < fmt.Sprint(candidates[j].value)
	})
	return candidates[0].value, nil
}

// pickBestSecurityTriple jointly selects Cipher, KeyExchange and KeySize.
// Unlike the other parameter classes, these three are mutually coupled by
// validateSecurityTriple, so picking each independently can land on a
// combination Validate rejects even when a compatible, well-ranked
// alternative exists elsewhere in the preference lists. This enumerates
// every combination of locally-preferred, remotely-supported values, keeps
// only the ones validateSecurityTriple accepts, and returns the one with
// the lowest combined rank, breaking ties by the lexicographic order of the
// tuple's string form (spec §4.5's tie-break rule, applied across the whole
// coupled tuple rather than per field).
func pickBestSecurityTriple(
	cipherPrefs []RankedOption[Cipher], kexPrefs []RankedOption[KeyExchange], keySizePrefs []RankedOption[KeySize],
	cipherCaps []Cipher, kexCaps []KeyExchange, keySizeCaps []KeySize,
) (Cipher, KeyExchange, KeySize, error) {
	ciphers, _ := candidatesFor(cipherPrefs, cipherCaps)
	kexes, _ := candidatesFor(kexPrefs, kexCaps)
	keySizes, _ := candidatesFor(keySizePrefs, keySizeCaps)

	var zeroCipher Cipher
	var zeroKex KeyExchange
	var zeroKeySize KeySize
	if len(ciphers) == 0 || len(kexes) == 0 || len(keySizes) == 0 {
		return zeroCipher, zeroKex, zeroKeySize, xerr.New(xerr.Validation, "negotiation.pickBestSecurityTriple")
	}

	type triple struct {
		cipher  Cipher
		kex     KeyExchange
		keySize KeySize
		rankSum int
		label   string
	}
	var best *triple
	for _, c := range ciphers {
		for _, k := range kexes {
			for _, s := range keySizes {
				if err := validateSecurityTriple(c.value, k.value, s.value); err != nil {
					continue
				}
				t := triple{
					cipher:  c.value,
					kex:     k.value,
					keySize: s.value,
					rankSum: c.rank + k.rank + s.rank,
					label:   fmt.Sprintf("%s|%s|%d", c.value, k.value, s.value),
				}
				if best == nil || t.rankSum < best.rankSum || (t.rankSum == best.rankSum && t.label < best.label) {
					best = &t
				}
			}
		}
	}
	if best == nil {
		return zeroCipher, zeroKex, zeroKeySize, xerr.New(xerr.Validation, "negotiation.pickBestSecurityTriple")
	}
	return best.cipher, best.kex, best.keySize, nil
}

func firstMatch[T comparable](opt RankedOption[T], allowed map[T]bool) (T, bool) {
	if allowed[opt.Value] {
		return opt.Value, true
	}
	for _, fb := range opt.Fallbacks {
		if allowed[fb] {
			return fb, true
		}
	}
	var zero T
	return zero, false
}

// BuildProposal selects the best ParameterSet achievable given pref and
// caps, minimizing the per-field rank (spec §4.5's weighted-rank score).
// DataFormat, Compression, ErrorCorrection and AuthMethod have no
// cross-field constraints, so each is minimized independently. Cipher,
// KeyExchange and KeySize are coupled by validateSecurityTriple, so those
// three are resolved jointly by pickBestSecurityTriple to guarantee the
// result always passes ParameterSet.Validate.
func BuildProposal(protocolVersion, securityVersion string, pref ParameterPreference, caps RemoteCapabilities) (ParameterSet, error) {
	var ps ParameterSet
	ps.ProtocolVersion = protocolVersion
	ps.SecurityVersion = securityVersion

	var err error
	if ps.DataFormat, err = pickBest(pref.DataFormats, caps.DataFormats); err != nil {
		return ParameterSet{}, err
	}
	if ps.Compression, err = pickBest(pref.Compressions, caps.Compressions); err != nil {
		return ParameterSet{}, err
	}
	if ps.ErrorCorrection, err = pickBest(pref.ErrorCorrections, caps.ErrorCorrections); err != nil {
		return ParameterSet{}, err
	}
	if ps.AuthMethod, err = pickBest(pref.AuthMethods, caps.AuthMethods); err != nil {
		return ParameterSet{}, err
	}
	if ps.Cipher, ps.KeyExchange, ps.KeySize, err = pickBestSecurityTriple(
		pref.Ciphers, pref.KeyExchanges, pref.KeySizes,
		caps.Ciphers, caps.KeyExchanges, caps.KeySizes,
	); err != nil {
		return ParameterSet{}, err
	}

	ps.Custom = make(map[string]string, len(pref.Custom))
	for k, opt := range pref.Custom {
		ps.Custom[k] = opt.Value
	}

	return ps, nil
}
