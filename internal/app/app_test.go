package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groeimetai/certminter/internal/app"
	"github.com/groeimetai/certminter/internal/config"
	"github.com/groeimetai/certminter/internal/domain"
	"github.com/groeimetai/certminter/internal/testutil"
)

const (
	testAdminKey   = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	studentAddress = "0x2B5AD5c4795c026514f8317c7a215E218DcCD6cF"
)

type envelope[T any] struct {
	Data T `json:"data"`
}

type certificateView struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	QueueItemID string `json:"queue_item_id"`
	Blockchain  *struct {
		TokenID uint64 `json:"token_id"`
	} `json:"blockchain"`
}

type statusView struct {
	HasBlockchain bool   `json:"has_blockchain"`
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position"`
}

func newTestApp(t *testing.T, env map[string]string) (*app.App, *testutil.Client) {
	t.Helper()

	t.Setenv("CONFIG_PATH", "")
	t.Setenv("CERTMINTER_STORAGE__BACKEND", config.StorageMemory)
	t.Setenv("CERTMINTER_JWT__SECRET_KEY", "test-secret")
	t.Setenv("CERTMINTER_CHAIN__ADMIN_PRIVATE_KEY", testAdminKey)
	t.Setenv("CERTMINTER_LOG__LEVEL", "error")
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := app.New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(a.Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})

	client := testutil.NewClientWithValidator(srv.URL, testutil.NewOpenAPIValidator(t, "../../api/openapi/openapi.yaml"))
	client.SetT(t)
	return a, client
}

func issueBody(userID, address string) map[string]interface{} {
	return map[string]interface{}{
		"user_id":         userID,
		"course_id":       "go-101",
		"course_name":     "Practical Go",
		"student_name":    "Sam Doe",
		"student_address": address,
		"instructor_name": "R. Pike",
		"completion_date": "2026-03-15T00:00:00Z",
		"score":           91.5,
		"achievements":    []string{"capstone"},
	}
}

func TestApp_IssueAndVerify(t *testing.T) {
	a, client := newTestApp(t, nil)

	client.LoginAs(t, a.Tokens(), "operator-1", domain.RoleOperator)
	resp, err := client.POST("/api/v1/admin/certificates", issueBody("student-1", studentAddress))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var issued envelope[certificateView]
	testutil.DecodeJSON(t, resp, &issued)
	require.NotNil(t, issued.Data.Blockchain)
	assert.Equal(t, uint64(1), issued.Data.Blockchain.TokenID)
	assert.Empty(t, issued.Data.QueueItemID)

	client.LoginAs(t, a.Tokens(), "student-1", domain.RoleUser)
	resp, err = client.GET("/api/v1/certificates/" + issued.Data.ID + "/blockchain")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st envelope[statusView]
	testutil.DecodeJSON(t, resp, &st)
	assert.True(t, st.Data.HasBlockchain)
	assert.Equal(t, "verified", st.Data.Status)

	resp, err = client.GET("/api/v1/me/certificates")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var mine envelope[[]certificateView]
	testutil.DecodeJSON(t, resp, &mine)
	require.Len(t, mine.Data, 1)
	assert.Equal(t, issued.Data.ID, mine.Data[0].ID)

	client.ClearToken()
	resp, err = client.GET("/api/v1/registry/certificates/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var onChain envelope[struct {
		Student string `json:"student"`
		IsValid bool   `json:"is_valid"`
	}]
	testutil.DecodeJSON(t, resp, &onChain)
	assert.True(t, onChain.Data.IsValid)
	assert.True(t, strings.EqualFold(studentAddress, onChain.Data.Student))
}

func TestApp_IssueWithoutAddressStaysOffChain(t *testing.T) {
	a, client := newTestApp(t, nil)

	client.LoginAs(t, a.Tokens(), "operator-1", domain.RoleOperator)
	resp, err := client.POST("/api/v1/admin/certificates", issueBody("student-2", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var issued envelope[certificateView]
	testutil.DecodeJSON(t, resp, &issued)
	assert.Nil(t, issued.Data.Blockchain)

	client.LoginAs(t, a.Tokens(), "student-2", domain.RoleUser)
	resp, err = client.GET("/api/v1/certificates/" + issued.Data.ID + "/blockchain")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st envelope[statusView]
	testutil.DecodeJSON(t, resp, &st)
	assert.False(t, st.Data.HasBlockchain)
	assert.Equal(t, "none", st.Data.Status)

	resp, err = client.POST("/api/v1/certificates/"+issued.Data.ID+"/blockchain", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestApp_GasCapQueuesCertificate(t *testing.T) {
	a, client := newTestApp(t, map[string]string{
		"CERTMINTER_CHAIN__MAX_GAS_PRICE_WEI": "1",
	})

	client.LoginAs(t, a.Tokens(), "operator-1", domain.RoleOperator)
	resp, err := client.POST("/api/v1/admin/certificates", issueBody("student-3", studentAddress))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var issued envelope[certificateView]
	testutil.DecodeJSON(t, resp, &issued)
	assert.Nil(t, issued.Data.Blockchain)
	require.NotEmpty(t, issued.Data.QueueItemID)

	client.LoginAs(t, a.Tokens(), "student-3", domain.RoleUser)
	resp, err = client.GET("/api/v1/certificates/" + issued.Data.ID + "/blockchain")
	require.NoError(t, err)
	var st envelope[statusView]
	testutil.DecodeJSON(t, resp, &st)
	assert.Equal(t, "pending", st.Data.Status)
	require.NotNil(t, st.Data.QueuePosition)
	assert.Equal(t, 1, *st.Data.QueuePosition)

	client.LoginAs(t, a.Tokens(), "admin-1", domain.RoleAdmin)
	resp, err = client.GET("/api/v1/admin/queue/items/" + issued.Data.QueueItemID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var item envelope[struct {
		Status   string `json:"status"`
		Priority int    `json:"priority"`
	}]
	testutil.DecodeJSON(t, resp, &item)
	assert.Equal(t, "pending", item.Data.Status)
	assert.Equal(t, -5, item.Data.Priority)

	resp, err = client.GET("/api/v1/admin/queue")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot envelope[struct {
		Wallet struct {
			CanMint bool `json:"can_mint"`
		} `json:"wallet"`
		Queue struct {
			Pending int `json:"pending"`
		} `json:"queue"`
	}]
	testutil.DecodeJSON(t, resp, &snapshot)
	assert.False(t, snapshot.Data.Wallet.CanMint)
	assert.Equal(t, 1, snapshot.Data.Queue.Pending)

	resp, err = client.GET("/api/v1/admin/queue/items?status=pending")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items envelope[[]struct {
		ID string `json:"id"`
	}]
	testutil.DecodeJSON(t, resp, &items)
	require.Len(t, items.Data, 1)
	assert.Equal(t, issued.Data.QueueItemID, items.Data[0].ID)
}

func TestApp_AccessControl(t *testing.T) {
	a, client := newTestApp(t, nil)

	resp, err := client.GET("/api/v1/me")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	client.Token = "not-a-token"
	resp, err = client.GET("/api/v1/me/certificates")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	client.LoginAs(t, a.Tokens(), "student-4", domain.RoleUser)
	resp, err = client.GET("/api/v1/me")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me envelope[struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}]
	testutil.DecodeJSON(t, resp, &me)
	assert.Equal(t, "student-4", me.Data.UserID)
	assert.Equal(t, "user", me.Data.Role)

	resp, err = client.POST("/api/v1/admin/certificates", issueBody("student-4", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	client.LoginAs(t, a.Tokens(), "operator-1", domain.RoleOperator)
	resp, err = client.GET("/api/v1/admin/queue")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.POST("/api/v1/admin/certificates", issueBody("student-4", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var issued envelope[certificateView]
	testutil.DecodeJSON(t, resp, &issued)

	client.LoginAs(t, a.Tokens(), "someone-else", domain.RoleUser)
	resp, err = client.GET("/api/v1/certificates/" + issued.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestApp_Version(t *testing.T) {
	_, client := newTestApp(t, nil)

	resp, err := client.GET("/version")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v map[string]string
	testutil.DecodeJSON(t, resp, &v)
	assert.Contains(t, v, "version")
	assert.Contains(t, v, "commit")
}

func TestApp_Health(t *testing.T) {
	_, client := newTestApp(t, nil)

	resp, err := client.GET("/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", testutil.ReadBody(t, resp))
}
