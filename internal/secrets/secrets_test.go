package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/felipepmaragno/chatcore/internal/domain"
)

type fakeSecretsManager struct {
	calls int
	value string
	err   error
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.value)}, nil
}

func TestAWSSecretsManager_CachesForTTL(t *testing.T) {
	fake := &fakeSecretsManager{value: "tok-1"}
	sm := newAWSSecretsManager(fake)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		v, err := sm.GetSecret(context.Background(), "upstream")
		if err != nil || v != "tok-1" {
			t.Fatalf("GetSecret() = %q, %v", v, err)
		}
	}
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1", fake.calls)
	}

	fake.value = "tok-2"
	now = now.Add(DefaultCacheTTL + time.Second)
	v, _ := sm.GetSecret(context.Background(), "upstream")
	if v != "tok-2" || fake.calls != 2 {
		t.Errorf("after expiry = %q (calls %d)", v, fake.calls)
	}

	fake.value = "tok-3"
	sm.Invalidate("upstream")
	if v, _ := sm.GetSecret(context.Background(), "upstream"); v != "tok-3" {
		t.Errorf("after Invalidate = %q", v)
	}
}

func TestAWSSecretsManager_Error(t *testing.T) {
	sm := newAWSSecretsManager(&fakeSecretsManager{err: errors.New("access denied")})
	if _, err := sm.GetSecret(context.Background(), "upstream"); err == nil {
		t.Error("expected error")
	}
}

func TestCredentialSource(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("plain", "  tok-plain\n")
	store.SetSecret("json", `{"token":"tok-json"}`)
	store.SetSecret("empty", `{"other":"x"}`)

	tests := []struct {
		name    string
		source  *CredentialSource
		want    string
		wantErr error
	}{
		{"static token", NewCredentialSource(nil, "", "tok-env"), "tok-env", nil},
		{"plain secret", NewCredentialSource(store, "plain", "tok-env"), "tok-plain", nil},
		{"json secret", NewCredentialSource(store, "json", ""), "tok-json", nil},
		{"secret without token", NewCredentialSource(store, "empty", ""), "", domain.ErrMissingCredential},
		{"nothing configured", NewCredentialSource(nil, "", ""), "", domain.ErrMissingCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.source.Credential(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Credential() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Credential() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Credential() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCredentialSource_MissingSecret(t *testing.T) {
	src := NewCredentialSource(NewInMemorySecretStore(), "absent", "tok-env")
	if _, err := src.Credential(context.Background()); err == nil {
		t.Error("expected error for missing secret")
	}
}
