package reconciler

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// Keypair stands in for the agent's WireGuard-style tunnel identity.
// Deriving and applying real tunnel keys is outside this module's scope
// (see internal/agent/hubexec.Executor's equivalent stand-in on the hub
// side); what matters here is the stable, generate-once-then-persist
// lifecycle spec.md §4.9 describes ("on first run generate tunnel keypair
// if absent").
type Keypair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadOrGenerateKeypair reads path as JSON if it exists, or generates and
// persists a fresh Keypair otherwise.
func LoadOrGenerateKeypair(path string) (Keypair, error) {
	if data, err := os.ReadFile(path); err == nil {
		var kp Keypair
		if err := json.Unmarshal(data, &kp); err != nil {
			return Keypair{}, fmt.Errorf("reconciler: corrupt keypair file %s: %w", path, err)
		}
		return kp, nil
	} else if !os.IsNotExist(err) {
		return Keypair{}, fmt.Errorf("reconciler: reading keypair file: %w", err)
	}

	kp, err := generateKeypair()
	if err != nil {
		return Keypair{}, err
	}
	data, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return Keypair{}, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return Keypair{}, fmt.Errorf("reconciler: persisting keypair file: %w", err)
	}
	return kp, nil
}

func generateKeypair() (Keypair, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return Keypair{}, fmt.Errorf("reconciler: generating private key: %w", err)
	}
	pub := make([]byte, 32)
	if _, err := rand.Read(pub); err != nil {
		return Keypair{}, fmt.Errorf("reconciler: generating public key: %w", err)
	}
	return Keypair{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}, nil
}
