package ids

import "testing"

func TestBucketIndexSameIDIsBucketZero(t *testing.T) {
	var self ID
	self[0] = 0x42
	if got := BucketIndex(self, self); got != 0 {
		t.Errorf("BucketIndex(self, self) = %d, want 0 (distance zero)", got)
	}
}

func TestBucketIndexFirstBitDifferingIsHighestBucket(t *testing.T) {
	var self, other ID
	other[0] = 0x80 // flips only the MSB of the first byte
	if got := BucketIndex(self, other); got != Size*8-1 {
		t.Errorf("BucketIndex with only the leading bit differing = %d, want %d", got, Size*8-1)
	}
}

func TestBucketIndexOnlyLastBitDiffering(t *testing.T) {
	var self, other ID
	other[Size-1] = 0x01 // flips only the LSB of the last byte
	if got := BucketIndex(self, other); got != 0 {
		t.Errorf("BucketIndex with only the trailing bit differing = %d, want 0", got)
	}
}

func TestBucketIndexGrowsWithDistance(t *testing.T) {
	var self ID
	var near, far ID
	near[Size-1] = 0x01 // smallest possible nonzero distance
	far[0] = 0x80       // largest possible distance

	if BucketIndex(self, near) >= BucketIndex(self, far) {
		t.Errorf("a larger XOR distance must map to a higher bucket index: near=%d far=%d",
			BucketIndex(self, near), BucketIndex(self, far))
	}
}
