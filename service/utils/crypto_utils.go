/**
 * @module crypto_utils
 * @description 加密工具模块，负责推送目标连接配置中敏感字段的加解密与脱敏
 * @architecture 加密工具集模式，提供加密、解密和脱敏方法
 * @documentReference ai_docs/push_design.md
 * @stateFlow 明文 -> enc:密文 持久化 / enc:密文 -> 明文 内部使用；加密失败 -> raw:原文 标记
 * @rules
 *   - 密钥由口令经 PBKDF2 派生
 *   - 加密失败时不丢弃数据，打上 raw: 标记且可被 Decrypt 还原
 *   - 对外返回的配置只包含脱敏值
 * @dependencies
 *   - crypto/aes, crypto/cipher: AES-256-GCM
 *   - golang.org/x/crypto/pbkdf2: 密钥派生
 * @refs
 *   - service/push_target/registry.go
 */

package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptedPrefix 密文前缀
	EncryptedPrefix = "enc:"
	// RawPrefix 加密失败时的原文标记
	RawPrefix = "raw:"
	// MaskedValue 脱敏后的占位值
	MaskedValue = "******"

	pbkdf2Iterations = 10000
)

// CryptoUtils 加密工具
type CryptoUtils struct {
	key    []byte
	random io.Reader
}

// NewCryptoUtils 创建新的加密工具实例
func NewCryptoUtils(password, salt string) *CryptoUtils {
	if password == "" {
		password = "datapush-default-key"
	}
	return &CryptoUtils{
		key:    DeriveKey(password, salt),
		random: rand.Reader,
	}
}

// DeriveKey 从口令派生 32 字节 AES-256 密钥
func DeriveKey(password, salt string) []byte {
	return pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, 32, sha256.New)
}

// Encrypt 加密字符串；失败时返回 raw: 标记的原文，保证 Decrypt 可还原
func (cu *CryptoUtils) Encrypt(plaintext string) string {
	encrypted, err := cu.encrypt(plaintext)
	if err != nil {
		slog.Warn("加密失败，使用原文标记", "error", err)
		return RawPrefix + plaintext
	}
	return EncryptedPrefix + encrypted
}

func (cu *CryptoUtils) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(cu.key)
	if err != nil {
		return "", fmt.Errorf("创建AES块失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("创建GCM失败: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(cu.random, nonce); err != nil {
		return "", fmt.Errorf("生成nonce失败: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密字符串；无前缀的值视为明文原样返回
func (cu *CryptoUtils) Decrypt(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, RawPrefix):
		return strings.TrimPrefix(value, RawPrefix), nil
	case strings.HasPrefix(value, EncryptedPrefix):
	default:
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("解码base64失败: %w", err)
	}
	block, err := aes.NewCipher(cu.key)
	if err != nil {
		return "", fmt.Errorf("创建AES块失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("创建GCM失败: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("密文长度不足")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("解密失败: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted 是否已经是加密或标记过的值
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix) || strings.HasPrefix(value, RawPrefix)
}

// EncryptFields 返回加密了敏感字段的配置副本，已加密的值不重复加密
func (cu *CryptoUtils) EncryptFields(config map[string]interface{}, sensitive []string) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		s, ok := v.(string)
		if ok && isSensitive(k, sensitive) && s != "" && !IsEncrypted(s) {
			out[k] = cu.Encrypt(s)
			continue
		}
		out[k] = v
	}
	return out
}

// DecryptFields 返回解密了敏感字段的配置副本，仅供内部投递使用
func (cu *CryptoUtils) DecryptFields(config map[string]interface{}, sensitive []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		s, ok := v.(string)
		if ok && isSensitive(k, sensitive) {
			plain, err := cu.Decrypt(s)
			if err != nil {
				return nil, fmt.Errorf("解密字段 %s 失败: %w", k, err)
			}
			out[k] = plain
			continue
		}
		out[k] = v
	}
	return out, nil
}

// MaskFields 返回敏感字段脱敏后的配置副本
func MaskFields(config map[string]interface{}, sensitive []string) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		if isSensitive(k, sensitive) && v != nil && v != "" {
			out[k] = MaskedValue
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string, sensitive []string) bool {
	for _, s := range sensitive {
		if strings.EqualFold(key, s) {
			return true
		}
	}
	return false
}

// SHA256Hash SHA256哈希
func SHA256Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256 HMAC-SHA256签名，返回十六进制
func HMACSHA256(data []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// SecureCompare 常量时间比较
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
