package proof

import "testing"

func TestBundleHashFieldBoundaries(t *testing.T) {
	base := BundleHash(1, "robot-ab", "0xw", []string{"0xe1", "0xe2"}, 100)

	// 把字节从一个变长字段挪到相邻字段，指纹必须变化。
	shifted := BundleHash(1, "robot-a", "b0xw", []string{"0xe1", "0xe2"}, 100)
	if base == shifted {
		t.Fatalf("字段边界偏移得到了相同指纹: %s", base)
	}

	merged := BundleHash(1, "robot-ab", "0xw", []string{"0xe10xe2"}, 100)
	if base == merged {
		t.Fatalf("证据项合并得到了相同指纹: %s", base)
	}

	again := BundleHash(1, "robot-ab", "0xw", []string{"0xe1", "0xe2"}, 100)
	if base != again {
		t.Fatalf("相同输入指纹不稳定: %s vs %s", base, again)
	}
}
