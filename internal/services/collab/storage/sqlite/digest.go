package sqlite

import "github.com/zeebo/blake3"

// snapshotDomainKey separates snapshot digests from any other BLAKE3 use.
var snapshotDomainKey = [32]byte{
	'c', 'o', 'l', 'l', 'a', 'b', '.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', 0,
}

// Digest returns the keyed BLAKE3 digest of an uncompressed snapshot.
func Digest(snapshot []byte) [32]byte {
	hasher, err := blake3.NewKeyed(snapshotDomainKey[:])
	if err != nil {
		panic("sqlite: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(snapshot)
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}
