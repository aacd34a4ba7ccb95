package tokenrefresher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"kirogateway/internal/credential"
)

func TestStatusError_ClassifiesSuccess(t *testing.T) {
	require.NoError(t, statusError(200, nil))
	require.NoError(t, statusError(204, nil))

	err := statusError(401, []byte("expired"))
	require.Error(t, err)
	refreshErr, ok := err.(*RefreshError)
	require.True(t, ok)
	require.Equal(t, 401, refreshErr.StatusCode)
}

func TestRegion_PrefersCredentialOverride(t *testing.T) {
	cred := &credential.Credential{Region: "eu-west-1"}
	require.Equal(t, "eu-west-1", region(cred))

	cred2 := &credential.Credential{}
	require.Equal(t, defaultRegion, region(cred2))
}

func TestClone_PreservesFieldsAcrossRefresh(t *testing.T) {
	exp := time.Now()
	cred := &credential.Credential{
		ID:           5,
		RefreshToken: "rt",
		Region:       "us-east-1",
		TokenExpiry:  &exp,
	}
	clone := cred.Clone()
	clone.AccessToken = "at"
	require.Equal(t, cred.ID, clone.ID)
	require.NotEqual(t, cred.AccessToken, clone.AccessToken)
}
