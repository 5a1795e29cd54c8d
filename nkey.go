package wiremsg

import "github.com/nats-io/nkeys"

// Nkey configures nkey-based authentication: pubKey is sent in CONNECT and
// sigCB must return a signature over the nonce the server supplies in its
// INFO, proving possession of the corresponding seed without it ever
// leaving the caller's process.
func Nkey(pubKey string, sigCB func(nonce []byte) ([]byte, error)) Option {
	return func(o *Options) error {
		o.Nkey = pubKey
		o.SignatureCB = sigCB
		return nil
	}
}

// NkeyFromSeed builds a Nkey Option directly from an nkeys seed in its
// encoded text form (e.g. loaded from a .nk credentials file), signing each nonce with
// nkeys.KeyPair.Sign.
func NkeyFromSeed(seed []byte) (Option, error) {
	kp, err := nkeys.FromSeed(seed)
	if err != nil {
		return nil, err
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, err
	}
	return Nkey(pub, kp.Sign), nil
}
