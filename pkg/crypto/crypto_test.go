package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("非法 hex: %v", err)
	}
	return b
}

// TestPrfPlusPrefix PRF+(k,s,n) 必须是 PRF+(k,s,m) 的前缀 (n <= m)
func TestPrfPlusPrefix(t *testing.T) {
	prf := PRF_HMAC_SHA1
	key := []byte("test-key-1234567890")
	seed := []byte("test-seed-data")

	long, err := PrfPlus(prf, key, seed, 256)
	if err != nil {
		t.Fatalf("PrfPlus 失败: %v", err)
	}
	for _, n := range []int{1, 19, 20, 21, 64, 255, 256} {
		short, err := PrfPlus(prf, key, seed, n)
		if err != nil {
			t.Fatalf("PrfPlus(%d) 失败: %v", n, err)
		}
		if !bytes.Equal(short, long[:n]) {
			t.Errorf("PrfPlus(%d) 不是长输出的前缀", n)
		}
	}
}

// TestPrfHmacSha1Vector IKE AUTH octets 计算用到的 PRF 向量
func TestPrfHmacSha1Vector(t *testing.T) {
	key := mustHex(t, "094787780EE466E2CB049FA327B43908BC57E485")
	data := mustHex(t, "010000000a50500d")
	want := mustHex(t, "D83B20CC6A0932B2A7CEF26E4020ABAAB64F0C6A")

	got := PRF_HMAC_SHA1.Compute(key, data)
	if !bytes.Equal(got, want) {
		t.Errorf("PRF-HMAC-SHA1 不匹配: got %x want %x", got, want)
	}
}

// TestAesXcbcMacVectors RFC 3566 4 节测试向量
func TestAesXcbcMacVectors(t *testing.T) {
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f")

	cases := []struct {
		msgLen int
		want   string
	}{
		{0, "75f0251d528ac01c4573dfd584d79f29"},
		{3, "5b376580ae2f19afe7219ceef172756f"},
		{16, "d2a246fa349b68a79998a4394ff7a263"},
	}

	msg := make([]byte, 34)
	for i := range msg {
		msg[i] = byte(i)
	}

	for _, tc := range cases {
		got, err := xcbcMAC(key, msg[:tc.msgLen])
		if err != nil {
			t.Fatalf("xcbcMAC 失败: %v", err)
		}
		if !bytes.Equal(got, mustHex(t, tc.want)) {
			t.Errorf("len=%d: got %x want %s", tc.msgLen, got, tc.want)
		}
	}
}

// TestAesXcbc96Integrity 完整性算法截断到 96 位
func TestAesXcbc96Integrity(t *testing.T) {
	alg, err := GetIntegrityAlgorithm(5)
	if err != nil {
		t.Fatalf("获取 AES-XCBC-96 失败: %v", err)
	}
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	mac := alg.Compute(key, []byte{0, 1, 2})
	if len(mac) != 12 {
		t.Errorf("MAC 长度错误: %d", len(mac))
	}
	if !bytes.Equal(mac, mustHex(t, "5b376580ae2f19afe7219cee")) {
		t.Errorf("截断 MAC 不匹配: %x", mac)
	}
	if !alg.Verify(key, []byte{0, 1, 2}, mac) {
		t.Error("Verify 应当通过")
	}
}

func TestAesGCMRoundTrip(t *testing.T) {
	for _, id := range []uint16{18, 19, 20} {
		enc, err := GetEncrypter(id)
		if err != nil {
			t.Fatalf("获取加密器 %d 失败: %v", id, err)
		}

		key := []byte("1234567890123456salt") // 16 密钥 + 4 盐
		plaintext := []byte("Hello, IKEv2 World!")
		aad := []byte("additional-auth-data")
		iv, _ := RandomBytes(enc.IVSize())

		ct, err := enc.Encrypt(plaintext, key, iv, aad)
		if err != nil {
			t.Fatalf("加密失败: %v", err)
		}
		if len(ct) != len(plaintext)+enc.ICVSize() {
			t.Errorf("id=%d: 密文长度 %d 不含预期 ICV %d", id, len(ct), enc.ICVSize())
		}

		pt, err := enc.Decrypt(ct, key, iv, aad)
		if err != nil {
			t.Fatalf("id=%d: 解密失败: %v", id, err)
		}
		if !bytes.Equal(pt, plaintext) {
			t.Errorf("id=%d: 解密结果不匹配", id)
		}

		// 篡改密文必须被拒
		bad := append([]byte(nil), ct...)
		bad[0] ^= 0x01
		if _, err := enc.Decrypt(bad, key, iv, aad); err == nil {
			t.Errorf("id=%d: 篡改后的密文未被拒绝", id)
		}
	}
}

func TestTripleDESRoundTrip(t *testing.T) {
	enc, err := GetEncrypter(3)
	if err != nil {
		t.Fatalf("获取 3DES 失败: %v", err)
	}
	key := []byte("123456789012345678901234")
	iv := make([]byte, 8)
	plaintext := []byte("16bytes.16bytes.")

	ct, err := enc.Encrypt(plaintext, key, iv, nil)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}
	pt, err := enc.Decrypt(ct, key, iv, nil)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Error("3DES 解密结果不匹配")
	}
}

func TestDiffieHellmanAgreement(t *testing.T) {
	for _, group := range []uint16{DHGroup1024, DHGroup2048} {
		a, err := NewDiffieHellman(group)
		if err != nil {
			t.Fatalf("组 %d: %v", group, err)
		}
		b, _ := NewDiffieHellman(group)
		if err := a.GenerateKey(); err != nil {
			t.Fatal(err)
		}
		if err := b.GenerateKey(); err != nil {
			t.Fatal(err)
		}

		s1, err := a.ComputeSharedSecret(b.PublicKeyBytes())
		if err != nil {
			t.Fatal(err)
		}
		s2, err := b.ComputeSharedSecret(a.PublicKeyBytes())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(s1, s2) {
			t.Errorf("组 %d: 共享密钥不一致", group)
		}
		if len(s1) != a.KeyLen() {
			t.Errorf("组 %d: 共享密钥长度 %d != %d", group, len(s1), a.KeyLen())
		}
	}
}

func TestDiffieHellmanRejectsBadPeer(t *testing.T) {
	dh, _ := NewDiffieHellman(DHGroup2048)
	_ = dh.GenerateKey()

	if _, err := dh.ComputeSharedSecret([]byte{1}); err == nil {
		t.Error("peer=1 应当被拒")
	}
	if _, err := dh.ComputeSharedSecret(dh.P.Bytes()); err == nil {
		t.Error("peer=P 应当被拒")
	}
}
