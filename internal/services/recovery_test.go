package services

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/receiptvault/backend/internal/models"
)

func TestHashCodeNormalizes(t *testing.T) {
	base := HashCode("ABCD2345")
	if HashCode(" abcd2345 ") != base {
		t.Fatal("hash must ignore case and surrounding whitespace")
	}
	if HashCode("ABCD2346") == base {
		t.Fatal("different codes must hash differently")
	}
	if len(base) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(base))
	}
}

func TestGenerateCodesShape(t *testing.T) {
	// The alphabet length must divide 256 so the byte-modulo draw in
	// generateCodes stays uniform.
	if 256%len(recoveryAlphabet) != 0 {
		t.Fatalf("alphabet length %d does not divide 256", len(recoveryAlphabet))
	}

	codes, err := generateCodes(RecoveryBatchSize)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(codes) != RecoveryBatchSize {
		t.Fatalf("expected %d codes, got %d", RecoveryBatchSize, len(codes))
	}

	for _, code := range codes {
		if len(code) != RecoveryCodeLength {
			t.Fatalf("expected %d-character code, got %q", RecoveryCodeLength, code)
		}
		for _, ch := range code {
			if !strings.ContainsRune(recoveryAlphabet, ch) {
				t.Fatalf("code %q contains %q outside the alphabet", code, ch)
			}
		}
	}
}

func TestReplaceSwapsEntireBatch(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "owner@shop.test")
	svc := NewRecoveryService(db, 365*24*time.Hour, 30)

	first, err := svc.Replace(nil, user.ID)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	// Burn one so the old batch has a used row too.
	if ok, _ := svc.Consume(user.ID, first[0]); !ok {
		t.Fatal("expected first consume to succeed")
	}

	second, err := svc.Replace(nil, user.ID)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	var total int64
	db.Model(&models.RecoveryCode{}).Where("user_id = ?", user.ID).Count(&total)
	if total != RecoveryBatchSize {
		t.Fatalf("expected exactly %d rows after replace, got %d", RecoveryBatchSize, total)
	}

	for _, code := range first {
		if ok, _ := svc.Consume(user.ID, code); ok {
			t.Fatalf("old code %q survived regeneration", code)
		}
	}
	if ok, _ := svc.Consume(user.ID, second[0]); !ok {
		t.Fatal("new code must be consumable")
	}
}

func TestConsumeIsAtMostOnce(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "owner@shop.test")
	svc := NewRecoveryService(db, 365*24*time.Hour, 30)

	codes, err := svc.Replace(nil, user.ID)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	if ok, _ := svc.Consume(user.ID, codes[0]); !ok {
		t.Fatal("first consume must succeed")
	}
	if ok, _ := svc.Consume(user.ID, codes[0]); ok {
		t.Fatal("second consume of the same code must fail")
	}

	remaining, err := svc.Remaining(user.ID)
	if err != nil {
		t.Fatalf("remaining failed: %v", err)
	}
	if remaining != RecoveryBatchSize-1 {
		t.Fatalf("expected %d remaining, got %d", RecoveryBatchSize-1, remaining)
	}
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "owner@shop.test")
	svc := NewRecoveryService(db, 365*24*time.Hour, 30)

	codes, err := svc.Replace(nil, user.ID)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	const callers = 8
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Consume(user.ID, codes[0])
			if err != nil {
				t.Errorf("consume errored: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", winners)
	}
}

func TestExpiredCodeIsNotConsumable(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "owner@shop.test")
	svc := NewRecoveryService(db, 365*24*time.Hour, 30)

	codes, err := svc.Replace(nil, user.ID)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	if err := db.Model(&models.RecoveryCode{}).
		Where("user_id = ?", user.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error; err != nil {
		t.Fatalf("failed backdating expiry: %v", err)
	}

	if ok, _ := svc.Consume(user.ID, codes[0]); ok {
		t.Fatal("expired code must not be consumable")
	}

	remaining, err := svc.Remaining(user.ID)
	if err != nil {
		t.Fatalf("remaining failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expired codes must not count as remaining, got %d", remaining)
	}
}

func TestExpiringSoonCountsLookaheadWindow(t *testing.T) {
	db := setupTestDB(t)
	user := createUser(t, db, "owner@shop.test")
	svc := NewRecoveryService(db, 365*24*time.Hour, 30)

	if _, err := svc.Replace(nil, user.ID); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	soon, err := svc.ExpiringSoon(user.ID)
	if err != nil {
		t.Fatalf("expiringSoon failed: %v", err)
	}
	if soon != 0 {
		t.Fatalf("fresh year-long codes must not be expiring soon, got %d", soon)
	}

	if err := db.Model(&models.RecoveryCode{}).
		Where("user_id = ?", user.ID).
		Update("expires_at", time.Now().AddDate(0, 0, 7)).Error; err != nil {
		t.Fatalf("failed adjusting expiry: %v", err)
	}

	soon, err = svc.ExpiringSoon(user.ID)
	if err != nil {
		t.Fatalf("expiringSoon failed: %v", err)
	}
	if soon != RecoveryBatchSize {
		t.Fatalf("expected all %d codes expiring soon, got %d", RecoveryBatchSize, soon)
	}
}
