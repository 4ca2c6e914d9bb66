package vault

import (
	"fmt"

	"github.com/hashicorp/vault/api"

	"github.com/voxline/callflow/internal/ports"
)

// SecretManager reads provider API keys from Vault's KV v2 engine. It is the
// optional alternative to plain env/config credentials.
type SecretManager struct {
	client *api.Client
}

func NewSecretManager(address, token string) (*SecretManager, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

func (sm *SecretManager) TelephonyAPIKey() (string, error) {
	return sm.read("secret/data/telephony", "api_key")
}

func (sm *SecretManager) LLMAPIKey() (string, error) {
	return sm.read("secret/data/llm", "api_key")
}

func (sm *SecretManager) SynthesisAPIKey() (string, error) {
	return sm.read("secret/data/synthesis", "api_key")
}

func (sm *SecretManager) read(path, field string) (string, error) {
	secret, err := sm.client.Logical().Read(path)
	if err != nil {
		return "", err
	}
	if secret == nil {
		return "", fmt.Errorf("vault: no secret at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("vault: unexpected layout at %s", path)
	}
	value, ok := data[field].(string)
	if !ok {
		return "", fmt.Errorf("vault: %s missing field %s", path, field)
	}
	return value, nil
}

var _ ports.SecretSource = (*SecretManager)(nil)
