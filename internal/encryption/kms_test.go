package encryption

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKMSAPI struct {
	generateInput *kms.GenerateDataKeyInput
	decryptInput  *kms.DecryptInput
	err           error
}

func (f *fakeKMSAPI) GenerateDataKey(_ context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	f.generateInput = in
	if f.err != nil {
		return nil, f.err
	}
	return &kms.GenerateDataKeyOutput{
		Plaintext:      bytes.Repeat([]byte{1}, 32),
		CiphertextBlob: []byte("wrapped"),
	}, nil
}

func (f *fakeKMSAPI) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decryptInput = in
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DecryptOutput{Plaintext: bytes.Repeat([]byte{1}, 32)}, nil
}

func TestAWSKMSRequestsAES256(t *testing.T) {
	api := &fakeKMSAPI{}
	backend := NewAWSKMS(api, "us-east-1", 0)

	key, err := backend.GenerateDataKey(context.Background(), "arn:aws:kms:us-east-1:111:key/abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped"), key.Ciphertext)
	assert.Equal(t, types.DataKeySpecAes256, api.generateInput.KeySpec)
	assert.Equal(t, "arn:aws:kms:us-east-1:111:key/abc", aws.ToString(api.generateInput.KeyId))

	_, err = backend.Decrypt(context.Background(), "arn:aws:kms:us-east-1:111:key/abc", []byte("wrapped"))
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped"), api.decryptInput.CiphertextBlob)
	assert.Equal(t, "us-east-1", backend.Region())
}

func TestAWSKMSErrorsAreDependencyFailures(t *testing.T) {
	backend := NewAWSKMS(&fakeKMSAPI{err: errors.New("throttled")}, "us-east-1", 0)

	_, err := backend.GenerateDataKey(context.Background(), "key")
	assert.ErrorIs(t, err, ErrKMSUnavailable)
	_, err = backend.Decrypt(context.Background(), "key", []byte("x"))
	assert.ErrorIs(t, err, ErrKMSUnavailable)
}

func TestLocalKMSRoundTrip(t *testing.T) {
	backend := testLocalKMS(t)

	key, err := backend.GenerateDataKey(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, key.Plaintext, 32)
	assert.NotEqual(t, key.Plaintext, key.Ciphertext)

	unwrapped, err := backend.Decrypt(context.Background(), "", key.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, key.Plaintext, unwrapped)

	key.Ciphertext[len(key.Ciphertext)-1] ^= 0xff
	_, err = backend.Decrypt(context.Background(), "", key.Ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNewLocalKMSKeySizes(t *testing.T) {
	_, err := NewLocalKMS(base64.StdEncoding.EncodeToString(make([]byte, 96)))
	assert.NoError(t, err)
	_, err = NewLocalKMS(base64.StdEncoding.EncodeToString(make([]byte, 16)))
	assert.Error(t, err)
	_, err = NewLocalKMS("not base64!")
	assert.Error(t, err)
}
