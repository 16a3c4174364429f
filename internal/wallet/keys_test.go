package wallet

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-mix/pkg/crypto"
)

// fastParams keeps Argon2 cheap in tests.
func fastParams() EncryptionParams {
	return EncryptionParams{Memory: 64, Iterations: 1, Parallelism: 1}
}

func TestEncrypt_Roundtrip(t *testing.T) {
	plain := []byte("seed material")
	sealed, err := Encrypt(plain, []byte("pw"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := Decrypt(sealed, []byte("pw"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decrypted %q, want %q", got, plain)
	}
}

func TestDecrypt_Rejects(t *testing.T) {
	sealed, err := Encrypt([]byte("seed material"), []byte("pw"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	t.Run("wrong password", func(t *testing.T) {
		if _, err := Decrypt(sealed, []byte("other")); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("tampered", func(t *testing.T) {
		bad := append([]byte(nil), sealed...)
		bad[len(bad)-1] ^= 0xff
		if _, err := Decrypt(bad, []byte("pw")); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("truncated", func(t *testing.T) {
		if _, err := Decrypt(sealed[:sealHeaderSize], []byte("pw")); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestHDKey_Derivation(t *testing.T) {
	master, err := NewMasterKey(testSeed(t))
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	ck, err := master.chainKey()
	if err != nil {
		t.Fatalf("chainKey: %v", err)
	}
	k0, err := ck.DerivePath(0)
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}
	k0again, _ := ck.DerivePath(0)
	k1, _ := ck.DerivePath(1)

	if k0.Address() != k0again.Address() {
		t.Fatal("derivation is not deterministic")
	}
	if k0.Address() == k1.Address() {
		t.Fatal("different indices gave the same address")
	}

	signer, err := k0.Signer()
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}
	if crypto.AddressFromPubKey(signer.PublicKey()) != k0.Address() {
		t.Fatal("signer public key does not match key address")
	}
}

func TestNewMasterKey_BadSeed(t *testing.T) {
	if _, err := NewMasterKey(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestKeystore(t *testing.T) {
	ks, err := NewKeystore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeystore: %v", err)
	}
	seed := testSeed(t)

	if err := ks.Create("mix", seed, []byte("pw"), fastParams()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !ks.Exists("mix") {
		t.Fatal("Exists = false after Create")
	}
	if err := ks.Create("mix", seed, []byte("pw"), fastParams()); !errors.Is(err, ErrWalletExists) {
		t.Fatalf("duplicate Create: got %v, want ErrWalletExists", err)
	}

	got, err := ks.Load("mix", []byte("pw"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, seed) {
		t.Fatal("loaded seed differs")
	}
	if _, err := ks.Load("mix", []byte("bad")); err == nil {
		t.Fatal("expected error for wrong password")
	}
	if _, err := ks.Load("missing", []byte("pw")); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("Load missing: got %v, want ErrWalletNotFound", err)
	}

	path, err := ks.Backup("mix", t.TempDir(), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	orig, _ := os.ReadFile(ks.walletPath("mix"))
	copied, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.Equal(orig, copied) {
		t.Fatal("backup content differs from wallet file")
	}
}
