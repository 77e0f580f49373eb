package bls

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/kyber/v3/xof/blake2xb"
)

const (
	PrivKeyName = "handelbft/PrivKeyBLS"
	PubKeyName  = "handelbft/PubKeyBLS"

	KeyType = "bls12-bn256"
)

var suite = bn256.NewSuite()

func init() {
	tmjson.RegisterType(PubKey{}, PubKeyName)
	tmjson.RegisterType(PrivKey{}, PrivKeyName)
}

//-------------------------------------

// PrivKey is a BLS private key (a scalar on bn256), stored marshalled.
type PrivKey []byte

var _ crypto.PrivKey = PrivKey{}

// GenPrivKey generates a new BLS private key from crypto/rand.
func GenPrivKey() PrivKey {
	scalar, _ := bls.NewKeyPair(suite, random.New())
	return marshalScalar(scalar)
}

// GenPrivKeyWithSeed deterministically derives a private key from seed.
// Only for testing and local cluster bootstrap.
func GenPrivKeyWithSeed(seed int64) PrivKey {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	scalar, _ := bls.NewKeyPair(suite, blake2xb.New(buf[:]))
	return marshalScalar(scalar)
}

func (privKey PrivKey) Bytes() []byte {
	return []byte(privKey)
}

// Sign produces a BLS signature over msg. Signatures over the same message
// aggregate by point addition, see AggregateSignatures.
func (privKey PrivKey) Sign(msg []byte) ([]byte, error) {
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(privKey); err != nil {
		return nil, fmt.Errorf("malformed bls private key: %w", err)
	}
	return bls.Sign(suite, scalar, msg)
}

func (privKey PrivKey) PubKey() crypto.PubKey {
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(privKey); err != nil {
		panic(fmt.Sprintf("malformed bls private key: %v", err))
	}
	point := suite.G2().Point().Mul(scalar, nil)
	return PubKey(marshalPoint(point))
}

func (privKey PrivKey) Equals(other crypto.PrivKey) bool {
	if otherBLS, ok := other.(PrivKey); ok {
		return subtle.ConstantTimeCompare(privKey[:], otherBLS[:]) == 1
	}
	return false
}

func (privKey PrivKey) Type() string {
	return KeyType
}

//-------------------------------------

// PubKey is a BLS public key (a point on G2), stored marshalled.
type PubKey []byte

var _ crypto.PubKey = PubKey{}

// Address is the first 20 bytes of the hashed marshalled pubkey,
// used as the validator's network identity.
func (pubKey PubKey) Address() crypto.Address {
	return crypto.Address(tmhash.SumTruncated(pubKey))
}

func (pubKey PubKey) Bytes() []byte {
	return []byte(pubKey)
}

func (pubKey PubKey) VerifySignature(msg []byte, sig []byte) bool {
	point, err := unmarshalPoint(pubKey)
	if err != nil {
		return false
	}
	return bls.Verify(suite, point, msg, sig) == nil
}

func (pubKey PubKey) Equals(other crypto.PubKey) bool {
	if otherBLS, ok := other.(PubKey); ok {
		return bytes.Equal(pubKey[:], otherBLS[:])
	}
	return false
}

func (pubKey PubKey) Type() string {
	return KeyType
}

func (pubKey PubKey) String() string {
	return fmt.Sprintf("PubKeyBLS{%X}", []byte(pubKey))
}

//-------------------------------------
// Aggregation.
//
// A bls signature is a point on G1; the sum of valid signatures over one
// message verifies against the sum of the signers' public keys. Both sums are
// plain point additions, so aggregation is associative and order-free.

// AggregateSignatures sums the given signatures into one.
func AggregateSignatures(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}
	return bls.AggregateSignatures(suite, sigs...)
}

// AggregatePubKeys sums the given public keys into one.
func AggregatePubKeys(pubKeys ...PubKey) (PubKey, error) {
	if len(pubKeys) == 0 {
		return nil, fmt.Errorf("no public keys to aggregate")
	}
	points := make([]kyber.Point, len(pubKeys))
	for i, pk := range pubKeys {
		point, err := unmarshalPoint(pk)
		if err != nil {
			return nil, fmt.Errorf("public key #%d: %w", i, err)
		}
		points[i] = point
	}
	return PubKey(marshalPoint(bls.AggregatePublicKeys(suite, points...))), nil
}

// VerifyAggregate checks sig against the sum of pubKeys over msg.
// It succeeds iff every constituent signature was valid for its signer.
func VerifyAggregate(pubKeys []PubKey, msg, sig []byte) bool {
	agg, err := AggregatePubKeys(pubKeys...)
	if err != nil {
		return false
	}
	return agg.VerifySignature(msg, sig)
}

//-------------------------------------

func marshalScalar(s kyber.Scalar) []byte {
	bz, err := s.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return bz
}

func marshalPoint(p kyber.Point) []byte {
	bz, err := p.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return bz
}

func unmarshalPoint(bz []byte) (kyber.Point, error) {
	point := suite.G2().Point()
	if err := point.UnmarshalBinary(bz); err != nil {
		return nil, err
	}
	return point, nil
}
