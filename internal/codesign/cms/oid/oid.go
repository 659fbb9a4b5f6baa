package oid

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
)

// OID values below are the ones WarpSign's CMS builder and timestamp
// client actually reference (directly or through the lookup tables
// further down); PKCS#1/PKCS#9/X9.62 assign each of these numbers, so
// the identifiers themselves aren't something to restyle, only trim to
// what has a caller.
var (
	ContentTypeData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	ContentTypeSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	AttributeAppleHashAgilityV1 = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	AttributeAppleHashAgilityV2 = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
	AttributeContentType        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	AttributeMessageDigest      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	AttributeSigningTime        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	AttributeTimeStampToken     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

	DigestAlgorithmSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	DigestAlgorithmMD5    = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}
	DigestAlgorithmSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	DigestAlgorithmSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	DigestAlgorithmSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	SignatureAlgorithmMD5WithRSA      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 4}
	SignatureAlgorithmSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	SignatureAlgorithmSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	SignatureAlgorithmSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	SignatureAlgorithmSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	SignatureAlgorithmECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	SignatureAlgorithmECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	SignatureAlgorithmECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	SignatureAlgorithmECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// DigestAlgorithmToCryptoHash maps digest OIDs to crypto.Hash values.
var DigestAlgorithmToCryptoHash = map[string]crypto.Hash{
	DigestAlgorithmSHA1.String():   crypto.SHA1,
	DigestAlgorithmMD5.String():    crypto.MD5,
	DigestAlgorithmSHA256.String(): crypto.SHA256,
	DigestAlgorithmSHA384.String(): crypto.SHA384,
	DigestAlgorithmSHA512.String(): crypto.SHA512,
}

// CryptoHashToDigestAlgorithm maps crypto.Hash values to digest OIDs.
var CryptoHashToDigestAlgorithm = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   DigestAlgorithmSHA1,
	crypto.MD5:    DigestAlgorithmMD5,
	crypto.SHA256: DigestAlgorithmSHA256,
	crypto.SHA384: DigestAlgorithmSHA384,
	crypto.SHA512: DigestAlgorithmSHA512,
}

// X509PublicKeyAndDigestAlgorithmToSignatureAlgorithm maps X509 public key and
// digest algorithms to to SignatureAlgorithm OIDs.
var X509PublicKeyAndDigestAlgorithmToSignatureAlgorithm = map[x509.PublicKeyAlgorithm]map[string]asn1.ObjectIdentifier{
	x509.RSA: {
		DigestAlgorithmSHA1.String():   SignatureAlgorithmSHA1WithRSA,
		DigestAlgorithmMD5.String():    SignatureAlgorithmMD5WithRSA,
		DigestAlgorithmSHA256.String(): SignatureAlgorithmSHA256WithRSA,
		DigestAlgorithmSHA384.String(): SignatureAlgorithmSHA384WithRSA,
		DigestAlgorithmSHA512.String(): SignatureAlgorithmSHA512WithRSA,
	},
	x509.ECDSA: {
		DigestAlgorithmSHA1.String():   SignatureAlgorithmECDSAWithSHA1,
		DigestAlgorithmSHA256.String(): SignatureAlgorithmECDSAWithSHA256,
		DigestAlgorithmSHA384.String(): SignatureAlgorithmECDSAWithSHA384,
		DigestAlgorithmSHA512.String(): SignatureAlgorithmECDSAWithSHA512,
	},
}
