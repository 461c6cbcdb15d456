/*
 * @module service/utils/crypto_utils_test
 * @description 加密工具函数单元测试
 * @architecture 测试层 - 纯函数测试，无外部依赖
 * @documentReference ai_docs/push_design.md
 * @stateFlow 输入参数 -> 函数调用 -> 输出验证
 * @rules 确保加密解密的正确性以及加密失败时的可还原性
 * @dependencies testing, testify
 * @refs crypto_utils.go
 */

package utils

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("随机数源不可用")
}

func TestEncryptDecrypt(t *testing.T) {
	cu := NewCryptoUtils("test-key", "test-salt")

	testCases := []struct {
		name      string
		plaintext string
	}{
		{name: "普通密码", plaintext: "mySecurePassword123"},
		{name: "空字符串", plaintext: ""},
		{name: "包含中文", plaintext: "密码123"},
		{name: "长文本", plaintext: strings.Repeat("a", 1000)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted := cu.Encrypt(tc.plaintext)
			assert.True(t, strings.HasPrefix(encrypted, EncryptedPrefix))
			if tc.plaintext != "" {
				assert.NotContains(t, encrypted, tc.plaintext)
			}

			decrypted, err := cu.Decrypt(encrypted)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, decrypted)
		})
	}
}

func TestEncryptFailureIsTaggedAndRoundTrips(t *testing.T) {
	cu := NewCryptoUtils("test-key", "test-salt")
	cu.random = failingReader{}

	encrypted := cu.Encrypt("secret-value")
	assert.Equal(t, RawPrefix+"secret-value", encrypted)

	decrypted, err := cu.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "secret-value", decrypted)
}

func TestDecryptWithWrongKey(t *testing.T) {
	encrypted := NewCryptoUtils("key-a", "salt").Encrypt("hello")
	_, err := NewCryptoUtils("key-b", "salt").Decrypt(encrypted)
	assert.Error(t, err)
}

func TestDecryptPlainValue(t *testing.T) {
	cu := NewCryptoUtils("k", "s")
	v, err := cu.Decrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)
}

func TestFieldHelpers(t *testing.T) {
	cu := NewCryptoUtils("k", "s")
	sensitive := []string{"password", "api_key"}
	config := map[string]interface{}{
		"host":     "db.local",
		"port":     5432,
		"password": "p@ss",
		"API_KEY":  "abc",
	}

	encrypted := cu.EncryptFields(config, sensitive)
	assert.Equal(t, "db.local", encrypted["host"])
	assert.Equal(t, 5432, encrypted["port"])
	assert.True(t, IsEncrypted(encrypted["password"].(string)))
	assert.True(t, IsEncrypted(encrypted["API_KEY"].(string)))
	assert.Equal(t, "p@ss", config["password"], "原配置不应被修改")

	again := cu.EncryptFields(encrypted, sensitive)
	assert.Equal(t, encrypted["password"], again["password"], "已加密字段不应重复加密")

	decrypted, err := cu.DecryptFields(encrypted, sensitive)
	require.NoError(t, err)
	assert.Equal(t, "p@ss", decrypted["password"])
	assert.Equal(t, "abc", decrypted["API_KEY"])

	masked := MaskFields(encrypted, sensitive)
	assert.Equal(t, MaskedValue, masked["password"])
	assert.Equal(t, "db.local", masked["host"])
}

func TestHMACSHA256(t *testing.T) {
	a := HMACSHA256([]byte("body"), "secret")
	b := HMACSHA256([]byte("body"), "secret")
	c := HMACSHA256([]byte("body"), "other")

	assert.Len(t, a, 64)
	assert.True(t, SecureCompare(a, b))
	assert.False(t, SecureCompare(a, c))
}
