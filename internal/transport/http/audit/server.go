package audit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpdesk/internal/agent"
	"perpdesk/internal/alarm"
	"perpdesk/internal/execution"
	"perpdesk/internal/history"
	"perpdesk/internal/logger"
	"perpdesk/internal/profile"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// SessionView 当前会话的只读视图。
type SessionView interface {
	Info() agent.SessionInfo
}

// ArmedView 挂着的保护单。
type ArmedView interface {
	Armed(symbol string) []execution.OrderRecord
}

type Config struct {
	Addr       string
	Session    SessionView
	Cycles     history.Store
	Alarms     alarm.Reader
	Strategies *profile.Manager // 可为空
	Armed      ArmedView        // 可为空
}

// Server 审计接口：只读，供运维查看决策历史与告警。
type Server struct {
	addr   string
	cfg    Config
	router *gin.Engine
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Session == nil || cfg.Cycles == nil || cfg.Alarms == nil {
		return nil, errors.New("session/cycles/alarms 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{addr: cfg.Addr, cfg: cfg, router: router}
	s.registerRoutes()
	return s, nil
}

// Handler 测试与嵌入使用。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api := s.router.Group("/api")
	api.GET("/session", s.handleSession)
	api.GET("/cycles", s.handleCycles)
	api.GET("/cycles/integrity", s.handleIntegrity)
	api.GET("/alarms", s.handleAlarms)
	api.GET("/strategies", s.handleStrategies)
	api.GET("/orders/armed", s.handleArmed)
}

func (s *Server) handleHealth(c *gin.Context) {
	info := s.cfg.Session.Info()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session": info.ID, "cycles": info.Cycles})
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"session": s.cfg.Session.Info()})
}

// handleCycles 按追加顺序回放；next_after 作为下一页的 after 参数。
func (s *Server) handleCycles(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after 非法"})
		return
	}
	q := history.Query{
		SessionID: strings.TrimSpace(c.Query("session")),
		Symbol:    strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
		AfterRow:  after,
		Limit:     limit,
	}
	cycles, err := s.cfg.Cycles.ListCycles(c.Request.Context(), q)
	if err != nil {
		logger.Errorf("[http] 查询决策历史失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	next := after
	if n := len(cycles); n > 0 {
		next = cycles[n-1].Row
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles, "next_after": next})
}

func (s *Server) handleIntegrity(c *gin.Context) {
	session := strings.TrimSpace(c.Query("session"))
	if session == "" {
		session = s.cfg.Session.Info().ID
	}
	var all []history.DecisionCycle
	var after int64
	for {
		page, err := s.cfg.Cycles.ListCycles(c.Request.Context(), history.Query{SessionID: session, AfterRow: after, Limit: maxLimit})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		all = append(all, page...)
		if len(page) < maxLimit {
			break
		}
		after = page[len(page)-1].Row
	}
	report := history.CheckIntegrity(all)
	c.JSON(http.StatusOK, gin.H{"report": report, "complete": report.Complete()})
}

func (s *Server) handleAlarms(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	list, err := s.cfg.Alarms.ListAlarms(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := s.cfg.Alarms.AlarmCounts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alarms": list, "counts": counts})
}

func (s *Server) handleStrategies(c *gin.Context) {
	if s.cfg.Strategies == nil {
		c.JSON(http.StatusOK, gin.H{"strategies": []any{}})
		return
	}
	type item struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Default     bool   `json:"default"`
	}
	names := s.cfg.Strategies.Names()
	out := make([]item, 0, len(names))
	for _, name := range names {
		st, err := s.cfg.Strategies.Resolve(name)
		if err != nil {
			continue
		}
		out = append(out, item{Name: st.Name, Description: st.Description, Default: name == s.cfg.Strategies.Default()})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

func (s *Server) handleArmed(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 必填"})
		return
	}
	var orders []execution.OrderRecord
	if s.cfg.Armed != nil {
		orders = s.cfg.Armed.Armed(symbol)
	}
	if orders == nil {
		orders = []execution.OrderRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "orders": orders})
}

func parseLimit(c *gin.Context) (int, error) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		return 0, errors.New("limit 非法")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 审计接口监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
