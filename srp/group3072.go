package srp

import "math/big"

// group3072Hex is the 3072-bit MODP group from RFC 5054 Appendix A (the
// same group registered in RFC 3526), the group HAP mandates for
// Pair-Setup's SRP-6a exchange.
const group3072Hex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E0" +
	"88A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A43" +
	"1B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C4" +
	"2E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B" +
	"1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69" +
	"163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077" +
	"096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF" +
	"6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC4" +
	"2DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA7" +
	"1575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25" +
	"619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521" +
	"F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074" +
	"E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF"

// groupG is the generator Apple specifies alongside the 3072-bit group.
var groupG = big.NewInt(5)

var groupN *big.Int

// byteLen is the fixed width (in bytes) every PAD() operation produces.
var byteLen int

func init() {
	n, ok := new(big.Int).SetString(group3072Hex, 16)
	if !ok {
		panic("srp: failed to parse 3072-bit group modulus")
	}
	groupN = n
	byteLen = (groupN.BitLen() + 7) / 8
}

// pad left-pads b's big-endian bytes with zeros to byteLen, as SRP's
// PAD() operation requires before hashing.
func pad(b *big.Int) []byte {
	raw := b.Bytes()
	if len(raw) >= byteLen {
		return raw[len(raw)-byteLen:]
	}
	out := make([]byte, byteLen)
	copy(out[byteLen-len(raw):], raw)
	return out
}
