package services

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func newTestAdmissionService(t *testing.T) (*AdmissionService, sqlmock.Sqlmock, redismock.ClientMock, func()) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)

	redisClient, redisMock := redismock.NewClientMock()
	cfg := testGenerationConfig()
	cfg.AccountCooldown = 30 * time.Minute
	cfg.FreeDailyMax = 10
	cfg.ProDailyMax = 0
	cfg.FreeParallelMax = 1
	cfg.ProParallelMax = 3
	cfg.FreeRatePerWindow = 6
	cfg.ProRatePerWindow = 20
	cfg.IPRatePerWindow = 30
	cfg.RateLimitWindow = 1 * time.Hour

	service := NewAdmissionService(db, redisClient, cfg)
	return service, dbMock, redisMock, func() { db.Close() }
}

func expectUserPlan(dbMock sqlmock.Sqlmock, userID, plan string, createdAt time.Time) {
	dbMock.ExpectQuery("SELECT COALESCE\\(plan, 'free'\\), created_at FROM users WHERE id = \\$1").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"plan", "created_at"}).AddRow(plan, createdAt))
}

func TestAdmissionService_CheckAdmission(t *testing.T) {
	ctx := context.Background()
	ip := "203.0.113.9"

	t.Run("all gates pass", func(t *testing.T) {
		service, dbMock, redisMock, done := newTestAdmissionService(t)
		defer done()

		expectUserPlan(dbMock, "user-1", "free", time.Now().Add(-2*time.Hour))

		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND created_at").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND status IN").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		userKey := "gen:ratelimit:user:user-1:" + ip
		ipKey := "gen:ratelimit:ip:" + ip
		redisMock.ExpectGet(userKey).SetVal("2")
		redisMock.ExpectGet(ipKey).SetVal("5")
		redisMock.ExpectIncr(userKey).SetVal(3)
		redisMock.ExpectExpire(userKey, time.Hour).SetVal(true)
		redisMock.ExpectIncr(ipKey).SetVal(6)
		redisMock.ExpectExpire(ipKey, time.Hour).SetVal(true)

		err := service.CheckAdmission(ctx, "user-1", ip)
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("account too new", func(t *testing.T) {
		service, dbMock, _, done := newTestAdmissionService(t)
		defer done()

		expectUserPlan(dbMock, "user-1", "free", time.Now().Add(-5*time.Minute))

		err := service.CheckAdmission(ctx, "user-1", ip)
		var admErr *AdmissionError
		assert.ErrorAs(t, err, &admErr)
		assert.Equal(t, ReasonCooldown, admErr.Reason)
		assert.Greater(t, admErr.RetryAfter, time.Duration(0))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("daily cap reached", func(t *testing.T) {
		service, dbMock, _, done := newTestAdmissionService(t)
		defer done()

		expectUserPlan(dbMock, "user-1", "free", time.Now().Add(-24*time.Hour))

		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND created_at").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

		err := service.CheckAdmission(ctx, "user-1", ip)
		var admErr *AdmissionError
		assert.ErrorAs(t, err, &admErr)
		assert.Equal(t, ReasonDailyLimit, admErr.Reason)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("pro plan has no daily cap", func(t *testing.T) {
		service, dbMock, redisMock, done := newTestAdmissionService(t)
		defer done()

		expectUserPlan(dbMock, "user-2", "pro", time.Now().Add(-48*time.Hour))

		// Daily check is skipped entirely; only the parallel count runs.
		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND status IN").
			WithArgs("user-2").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		userKey := "gen:ratelimit:user:user-2:" + ip
		ipKey := "gen:ratelimit:ip:" + ip
		redisMock.ExpectGet(userKey).RedisNil()
		redisMock.ExpectGet(ipKey).RedisNil()
		redisMock.ExpectIncr(userKey).SetVal(1)
		redisMock.ExpectExpire(userKey, time.Hour).SetVal(true)
		redisMock.ExpectIncr(ipKey).SetVal(1)
		redisMock.ExpectExpire(ipKey, time.Hour).SetVal(true)

		err := service.CheckAdmission(ctx, "user-2", ip)
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("parallel cap reached", func(t *testing.T) {
		service, dbMock, _, done := newTestAdmissionService(t)
		defer done()

		expectUserPlan(dbMock, "user-1", "free", time.Now().Add(-24*time.Hour))

		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND created_at").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND status IN").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		err := service.CheckAdmission(ctx, "user-1", ip)
		var admErr *AdmissionError
		assert.ErrorAs(t, err, &admErr)
		assert.Equal(t, ReasonParallelLimit, admErr.Reason)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("user rate window exhausted", func(t *testing.T) {
		service, dbMock, redisMock, done := newTestAdmissionService(t)
		defer done()

		expectUserPlan(dbMock, "user-1", "free", time.Now().Add(-24*time.Hour))

		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND created_at").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND status IN").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		userKey := "gen:ratelimit:user:user-1:" + ip
		redisMock.ExpectGet(userKey).SetVal("6")
		redisMock.ExpectTTL(userKey).SetVal(20 * time.Minute)

		err := service.CheckAdmission(ctx, "user-1", ip)
		var admErr *AdmissionError
		assert.ErrorAs(t, err, &admErr)
		assert.Equal(t, ReasonRateLimit, admErr.Reason)
		assert.Equal(t, 20*time.Minute, admErr.RetryAfter)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("ip rate window exhausted", func(t *testing.T) {
		service, dbMock, redisMock, done := newTestAdmissionService(t)
		defer done()

		expectUserPlan(dbMock, "user-1", "free", time.Now().Add(-24*time.Hour))

		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND created_at").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND status IN").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		userKey := "gen:ratelimit:user:user-1:" + ip
		ipKey := "gen:ratelimit:ip:" + ip
		redisMock.ExpectGet(userKey).SetVal("1")
		redisMock.ExpectGet(ipKey).SetVal("30")
		redisMock.ExpectTTL(ipKey).SetVal(45 * time.Minute)

		err := service.CheckAdmission(ctx, "user-1", ip)
		var admErr *AdmissionError
		assert.ErrorAs(t, err, &admErr)
		assert.Equal(t, ReasonRateLimit, admErr.Reason)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		service, dbMock, _, done := newTestAdmissionService(t)
		defer done()

		dbMock.ExpectQuery("SELECT COALESCE\\(plan, 'free'\\), created_at FROM users WHERE id = \\$1").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"plan", "created_at"}))

		err := service.CheckAdmission(ctx, "ghost", ip)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing redis skips rate limiting", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAdmissionService(db, nil, testGenerationConfig())

		expectUserPlan(dbMock, "user-1", "free", time.Now().Add(-24*time.Hour))
		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND created_at").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		dbMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM videos WHERE user_id = \\$1 AND deleted = false AND status IN").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		assert.NoError(t, service.CheckAdmission(ctx, "user-1", ip))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestClientIP(t *testing.T) {
	t.Run("x-forwarded-for wins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
		r.Header.Set("X-Real-IP", "192.0.2.1")
		assert.Equal(t, "198.51.100.7", clientIP(r))
	})

	t.Run("x-real-ip fallback", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Real-IP", "192.0.2.1")
		assert.Equal(t, "192.0.2.1", clientIP(r))
	})

	t.Run("remote addr strips port", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "203.0.113.9:51234"
		assert.Equal(t, "203.0.113.9", clientIP(r))
	})
}
