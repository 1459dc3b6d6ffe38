package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/superchat/logger"
)

// VAPIDKeys — пара ключей сервера приложений для Web Push (RFC 8292).
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

const defaultKeysPath = "config/vapid.json"

// EnsureVAPIDKeys возвращает пару из файла path; при отсутствии файла или
// неполной паре генерирует новую, сохраняет и возвращает её. Пустой path —
// env VAPID_KEYS_FILE, затем config/vapid.json относительно cwd.
// Пара обязана переживать перезапуски: браузерные подписки привязаны к
// публичному ключу, новая пара их все инвалидирует.
func EnsureVAPIDKeys(path string) (*VAPIDKeys, error) {
	if path == "" {
		if path = os.Getenv("VAPID_KEYS_FILE"); path == "" {
			path = defaultKeysPath
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var keys VAPIDKeys
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("push.EnsureVAPIDKeys: decode %s: %w", path, err)
		}
		if keys.PublicKey != "" && keys.PrivateKey != "" {
			return &keys, nil
		}
		// неполный файл замещается свежей парой
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("push.EnsureVAPIDKeys: read %s: %w", path, err)
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("push.EnsureVAPIDKeys: generate: %w", err)
	}
	keys := &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := saveKeys(path, keys); err != nil {
		// пара пригодна на текущий сеанс и без сохранения
		logger.Errorf("push: save VAPID keys to %s: %v", path, err)
		return keys, nil
	}
	logger.Infof("push: VAPID-ключи сгенерированы и сохранены в %s", path)
	return keys, nil
}

func saveKeys(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
