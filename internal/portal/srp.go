package portal

// SRP-6a client implementation used to authenticate against
// idmsa.apple.com. Apple's variant fixes the group to the 2048-bit
// RFC-5054 safe prime, the hash to SHA-256, and stretches the password
// through PBKDF2-HMAC-SHA256 before it ever reaches the SRP math:
//
//	P  = SHA256(password)
//	x  = H(s, PBKDF2-HMAC-SHA256(P, s, iterations, 32))
//	A  = g^a % N
//	u  = H(pad(A), pad(B))
//	S  = ((B - k*g^x) ^ (a + u*x)) % N
//	K  = H(S)
//	M1 = H(H(N) xor H(g), H(I), s, A, B, K)
//	M2 = H(A, M1, K)
//
// Only the client side is implemented: WarpSign never stores a verifier,
// it only ever proves a password against the one Apple already holds.
//
// Adapted from the SRP-6a client in internal/srp of the teacher repo,
// itself adapted from Sudhi Herle's srp.go for Apple's idmsa dialect.
// That dialect also swaps the default hash (BLAKE2b-256 in the original)
// for SHA-256, which is what this file uses throughout.

import (
	CR "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// appleGroup is the RFC-5054 2048-bit safe prime and generator Apple's
// idmsa servers negotiate for every account.
var appleGroup = struct {
	N *big.Int
	g *big.Int
	n int // byte length of N
}{
	N: mustBigInt("AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB694B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"),
	g: big.NewInt(2),
	n: 256,
}

func mustBigInt(hexStr string) *big.Int {
	n, ok := big.NewInt(0).SetString(hexStr, 16)
	if !ok {
		panic("portal: malformed SRP prime literal")
	}
	return n
}

// SRPClient drives one login attempt's worth of SRP-6a state. It is not
// safe for concurrent use and is discarded once a session is established
// or the attempt fails.
type SRPClient struct {
	identity []byte
	password []byte // PBKDF2-stretched
	a        *big.Int
	A        *big.Int
	k        *big.Int

	sessionKey []byte
	proofM1    []byte
}

// S2K and S2KFO are the tags of Apple's two password key-derivation
// variants: the client lists both in the init request's `protocols`
// field and the init response names the one in use in `protocol`.
const (
	S2K   = "s2k"
	S2KFO = "s2k_fo"
)

// StretchPassword derives the SRP password input per Apple's s2k or
// s2k_fo key-derivation tag: s2k hashes the raw password with SHA-256
// before PBKDF2; s2k_fo additionally hex-encodes that digest first.
func StretchPassword(kdf string, password string, salt []byte, iterations int) []byte {
	digest := sha256.Sum256([]byte(password))
	input := digest[:]
	if kdf == S2KFO {
		input = []byte(hex.EncodeToString(digest[:]))
	}
	return pbkdf2.Key(input, salt, iterations, 32, sha256.New)
}

// NewSRPClient begins a login attempt for appleID, generating the
// ephemeral keypair (a, A) the init request's "a" field carries. The
// password isn't needed yet: A only depends on the group and a's random
// bits, not on the salt or KDF idmsa returns in its init response. Call
// SetPassword once that response arrives, then Generate.
func NewSRPClient(appleID string) *SRPClient {
	c := &SRPClient{
		identity: []byte(appleID),
		a:        randBigInt(appleGroup.n * 8),
	}
	c.A = new(big.Int).Exp(appleGroup.g, c.a, appleGroup.N)
	c.k = hashInt(appleGroup.N.Bytes(), pad(appleGroup.g, appleGroup.n))
	return c
}

// PublicKey returns this client's ephemeral public key A, hex encoded,
// as sent in the init request body.
func (c *SRPClient) PublicKey() string {
	return hex.EncodeToString(c.A.Bytes())
}

// SetPassword attaches the PBKDF2-stretched password Generate needs to
// derive x, once idmsa's init response has supplied the salt and KDF tag
// StretchPassword requires.
func (c *SRPClient) SetPassword(stretchedPassword []byte) {
	c.password = stretchedPassword
}

// Generate consumes the server's salt and public key B and returns the
// client's M1 proof to send in the complete request. The session key is
// kept on the client for ExpectedServerProof to check the server's M2.
func (c *SRPClient) Generate(salt, b []byte) (m1 []byte, err error) {
	B := new(big.Int).SetBytes(b)
	if B.Sign() == 0 {
		return nil, fmt.Errorf("portal: srp: server sent B == 0 (mod N)")
	}

	u := hashInt(pad(c.A, appleGroup.n), pad(B, appleGroup.n))
	if u.Sign() == 0 {
		return nil, fmt.Errorf("portal: srp: server sent u == 0")
	}

	x := hashInt(salt, c.password)
	gx := new(big.Int).Exp(appleGroup.g, x, appleGroup.N)
	kgx := new(big.Int).Mul(c.k, gx)

	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, appleGroup.N)
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, appleGroup.N)

	c.sessionKey = hashBytes(S.Bytes())

	hn := hashBytes(appleGroup.N.Bytes())
	hg := hashBytes(pad(appleGroup.g, appleGroup.n))
	c.proofM1 = hashBytes(
		xorBytes(hn, hg),
		hashBytes(c.identity),
		salt, c.A.Bytes(), B.Bytes(), c.sessionKey,
	)
	return c.proofM1, nil
}

// ExpectedServerProof computes M2 = H(A, M1, K), the value idmsa's
// signin/complete request expects in its own "m2" field: unlike a
// textbook SRP-6a exchange, where the client waits for the server to
// send M2 back and only then authenticates it, Apple's dialect has the
// client submit its own expectation of M2 up front for the server to
// check against its independently derived K. Generate must run first.
func (c *SRPClient) ExpectedServerProof() []byte {
	return hashBytes(c.A.Bytes(), c.proofM1, c.sessionKey)
}

func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func hashInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(hashBytes(parts...))
}

func xorBytes(a, b []byte) []byte {
	if len(a) != len(b) {
		panic("portal: srp: xorBytes operands differ in length")
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func pad(x *big.Int, n int) []byte {
	b := x.Bytes()
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func randbytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(CR.Reader, b); err != nil {
		panic("portal: srp: system random source failed")
	}
	return b
}

func randBigInt(bits int) *big.Int {
	n := bits / 8
	if bits%8 != 0 {
		n++
	}
	return new(big.Int).SetBytes(randbytes(n))
}
