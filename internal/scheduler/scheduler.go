// Package scheduler 实现单个钱包的开赛调度：配额窗口、Agent 轮询、已排队
// 去重以及每轮结束后的节奏控制。
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"fractal-arena/internal/auth"
	xerrors "fractal-arena/internal/errors"
	"fractal-arena/internal/events"
	"fractal-arena/internal/fractal"
	"fractal-arena/internal/observability/metrics"
	"fractal-arena/internal/retry"
	"fractal-arena/pkg/logger"
)

const (
	// NoAgentsPause 是没有 Agent 时返回错误前的等待时间。
	NoAgentsPause = 10 * time.Second
	// PreStartPause 是每次开赛请求前的停顿。
	PreStartPause = 2 * time.Second
	// MaxPacing 是一轮结束后等待时间的上限。
	MaxPacing = 180 * time.Second
)

// SessionSource 提供当前登录会话，auth.Manager 满足该接口。
type SessionSource interface {
	Session() *auth.Session
}

// Scheduler 持有单个钱包的调度状态。状态只由 ProcessAgents 所在的协程修改，
// 互斥锁用于让状态接口读取快照。
type Scheduler struct {
	backend   fractal.Backend
	sessions  SessionSource
	wallet    string
	fee       json.Number
	sleeper   retry.Sleeper
	now       func() time.Time
	store     QuotaStore
	recorder  MatchRecorder
	publisher events.Publisher
	logger    *slog.Logger
	label     string

	mu           sync.RWMutex
	agents       []fractal.Agent
	sessionTypes []fractal.SessionType
	fractalInfo  fractal.FractalInfo
	active       map[int64]bool
	quota        QuotaState
	quotaLoaded  bool
	currentIndex int
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithSleeper 指定等待实现。
func WithSleeper(s retry.Sleeper) Option {
	return func(sc *Scheduler) {
		if s != nil {
			sc.sleeper = s
		}
	}
}

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(sc *Scheduler) {
		if now != nil {
			sc.now = now
		}
	}
}

// WithQuotaStore 指定配额持久化实现。
func WithQuotaStore(store QuotaStore) Option {
	return func(sc *Scheduler) {
		if store != nil {
			sc.store = store
		}
	}
}

// WithRecorder 指定开赛历史的保存位置。
func WithRecorder(r MatchRecorder) Option {
	return func(sc *Scheduler) {
		if r != nil {
			sc.recorder = r
		}
	}
}

// WithPublisher 指定事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(sc *Scheduler) {
		if p != nil {
			sc.publisher = p
		}
	}
}

// New 创建调度器。wallet 是钱包地址，fee 原样作为 entryFees 发送。
func New(backend fractal.Backend, sessions SessionSource, wallet string, fee json.Number, opts ...Option) *Scheduler {
	s := &Scheduler{
		backend:   backend,
		sessions:  sessions,
		wallet:    wallet,
		fee:       fee,
		sleeper:   retry.Timer{},
		now:       time.Now,
		store:     NewMemoryQuotaStore(),
		recorder:  discardRecorder{},
		publisher: events.Discard{},
		logger:    logger.ForWallet("scheduler", wallet),
		label:     logger.ShortAddress(wallet),
		active:    make(map[int64]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Refresh 重新拉取 Agent 列表、赛制目录与奖励统计。
func (s *Scheduler) Refresh(ctx context.Context) error {
	if err := s.LoadAgents(ctx); err != nil {
		return err
	}
	if err := s.LoadSessionTypes(ctx); err != nil {
		return err
	}
	return s.LoadFractalInfo(ctx)
}

// LoadAgents 拉取用户名下的 Agent。
func (s *Scheduler) LoadAgents(ctx context.Context) error {
	session, err := s.session()
	if err != nil {
		return err
	}
	agents, err := s.backend.Agents(ctx, session.Token, session.User.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.agents = agents
	if len(agents) > 0 {
		s.currentIndex %= len(agents)
	} else {
		s.currentIndex = 0
	}
	s.mu.Unlock()
	s.logger.Info(fmt.Sprintf("Retrieved %d agents", len(agents)))
	s.publish(ctx, events.TypeAgentsLoaded, "", map[string]any{"count": len(agents)})
	return nil
}

// LoadSessionTypes 拉取赛制目录。
func (s *Scheduler) LoadSessionTypes(ctx context.Context) error {
	session, err := s.session()
	if err != nil {
		return err
	}
	sessionTypes, err := s.backend.SessionTypes(ctx, session.Token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessionTypes = sessionTypes
	s.mu.Unlock()
	s.logger.Info(fmt.Sprintf("Retrieved %d session types", len(sessionTypes)))
	return nil
}

// LoadFractalInfo 拉取奖励统计。
func (s *Scheduler) LoadFractalInfo(ctx context.Context) error {
	session, err := s.session()
	if err != nil {
		return err
	}
	info, err := s.backend.FractalInfo(ctx, session.Token, session.User.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.fractalInfo = info
	s.mu.Unlock()
	s.publish(ctx, events.TypeFractalInfo, "", map[string]any(info))
	return nil
}

// ProcessAgents 执行一轮调度：检查配额窗口，按轮询顺序为符合条件的 Agent
// 开赛，最后按最短赛制时长（上限 180 秒）等待后返回。
func (s *Scheduler) ProcessAgents(ctx context.Context) error {
	session, err := s.session()
	if err != nil {
		return err
	}
	if err := s.ensureQuotaLoaded(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	agents := append([]fractal.Agent(nil), s.agents...)
	sessionTypes := append([]fractal.SessionType(nil), s.sessionTypes...)
	start := s.currentIndex
	s.mu.RUnlock()

	if len(agents) == 0 {
		const notice = "No agents available. Please create an agent first"
		s.logger.Warn(notice)
		s.publish(ctx, events.TypeNoAgents, notice, nil)
		if err := s.sleeper.Sleep(ctx, NoAgentsPause, notice); err != nil {
			return err
		}
		return xerrors.New(xerrors.CodeNoAgents, "No agents available")
	}

	if err := s.applyQuotaWindow(ctx); err != nil {
		return err
	}

	for i := range agents {
		idx := (start + i) % len(agents)
		agent := agents[idx]
		for _, sessionType := range sessionTypes {
			if agent.SessionType.SessionType != sessionType.Key() {
				continue
			}
			if agent.AutomationEnabled || s.Quota().Exhausted() {
				continue
			}
			started, err := s.startMatch(ctx, session, agent, sessionType)
			if err != nil {
				switch xerrors.CodeOf(err) {
				case fractal.CodeAlreadyQueued:
					s.markAlreadyQueued(ctx, session, agent, sessionType)
					continue
				case xerrors.CodeQuotaExceeded:
					s.reconcileQuota(ctx, session, agent, sessionType, err)
					return err
				}
				return err
			}
			if started {
				s.recordStarted(ctx, session, agent, sessionType, idx, len(agents))
			}
		}
	}

	wait := pacing(sessionTypes)
	s.publish(ctx, events.TypePassCompleted, "", map[string]any{"wait_seconds": wait.Seconds()})
	return s.sleeper.Sleep(ctx, wait, "Processing completed. Waiting for "+wait.String())
}

// applyQuotaWindow 处理窗口滚动与配额耗尽时的等待。
func (s *Scheduler) applyQuotaWindow(ctx context.Context) error {
	now := s.now()
	quota := s.Quota()
	if quota.Expired(now) {
		quota = QuotaState{}
		s.setQuota(ctx, quota)
	}
	if !quota.Exhausted() {
		return nil
	}
	wait := quota.Remaining(now)
	if wait > 0 {
		minutes := int(math.Ceil(wait.Minutes()))
		notice := fmt.Sprintf("Session limit reached. Waiting for cooldown: %d minutes", minutes)
		s.logger.Info(notice)
		s.publish(ctx, events.TypeQuotaWaiting, notice, map[string]any{"minutes": minutes})
		if err := s.sleeper.Sleep(ctx, wait, notice); err != nil {
			return err
		}
	}
	s.setQuota(ctx, QuotaState{})
	return nil
}

// startMatch 检查实时排队状态后发起开赛。返回 false 表示 Agent 已在队列中。
func (s *Scheduler) startMatch(ctx context.Context, session *auth.Session, agent fractal.Agent, sessionType fractal.SessionType) (bool, error) {
	status, err := s.backend.AgentStatus(ctx, session.Token, session.User.ID, agent.ID)
	if err != nil {
		s.logger.Warn("查询 Agent 排队状态失败，按未排队处理",
			slog.Int64("agent_id", agent.ID),
			slog.String("error", err.Error()),
		)
	}
	if status.InQueue {
		s.logger.Info(fmt.Sprintf("Agent %s is already in queue", agent.Name))
		return false, nil
	}

	note := fmt.Sprintf("Starting match: Agent %s - Session %s", agent.Name, sessionType.SessionType.Name)
	if err := s.sleeper.Sleep(ctx, PreStartPause, note); err != nil {
		return false, err
	}
	err = s.backend.InitiateMatch(ctx, session.Token, fractal.InitiateMatchRequest{
		UserID:        session.User.ID,
		AgentID:       agent.ID,
		EntryFees:     s.fee,
		SessionTypeID: sessionType.SessionType.ID,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) recordStarted(ctx context.Context, session *auth.Session, agent fractal.Agent, sessionType fractal.SessionType, idx, n int) {
	s.mu.Lock()
	s.active[agent.ID] = true
	quota := s.quota
	quota.SessionCount++
	if quota.LastSessionTime.IsZero() {
		quota.LastSessionTime = s.now()
	}
	s.currentIndex = (idx + 1) % n
	s.mu.Unlock()
	s.setQuota(ctx, quota)

	msg := fmt.Sprintf("Match started: %s - %s", agent.Name, sessionType.SessionType.Name)
	s.logger.Info(msg, slog.Int("session_count", quota.SessionCount))
	metrics.IncEvent(s.label, metrics.EventMatchStarted)
	logger.Audit().Info("match started",
		slog.String("wallet", s.label),
		slog.Int64("agent_id", agent.ID),
		slog.Int64("session_type_id", sessionType.SessionType.ID),
		slog.Int("session_count", quota.SessionCount),
	)
	s.record(ctx, session, agent, sessionType, MatchStarted, "")
	s.publish(ctx, events.TypeMatchStarted, msg, map[string]any{
		"agent_id":        agent.ID,
		"session_type_id": sessionType.SessionType.ID,
		"session_count":   quota.SessionCount,
	})
}

func (s *Scheduler) markAlreadyQueued(ctx context.Context, session *auth.Session, agent fractal.Agent, sessionType fractal.SessionType) {
	s.mu.Lock()
	s.active[agent.ID] = true
	s.mu.Unlock()

	msg := fmt.Sprintf("Agent %s is already in active match", agent.Name)
	s.logger.Info(msg)
	metrics.IncEvent(s.label, metrics.EventAlreadyQueued)
	s.record(ctx, session, agent, sessionType, MatchAlreadyQueued, "")
	s.publish(ctx, events.TypeAlreadyQueued, msg, map[string]any{"agent_id": agent.ID})
}

// reconcileQuota 在后端报告会话上限时把本地配额置为耗尽。
func (s *Scheduler) reconcileQuota(ctx context.Context, session *auth.Session, agent fractal.Agent, sessionType fractal.SessionType, cause error) {
	quota := QuotaState{SessionCount: MaxSessionsPerHour, LastSessionTime: s.now()}
	s.setQuota(ctx, quota)

	metrics.IncEvent(s.label, metrics.EventQuotaReconciled)
	logger.Audit().Info("quota reconciled",
		slog.String("wallet", s.label),
		slog.Time("last_session_time", quota.LastSessionTime),
	)
	detail := ""
	if e, ok := xerrors.From(cause); ok {
		detail = e.Message()
	}
	s.logger.Warn(detail)
	s.record(ctx, session, agent, sessionType, MatchQuotaExceeded, detail)
	s.publish(ctx, events.TypeQuotaExceeded, detail, nil)
}

func (s *Scheduler) record(ctx context.Context, session *auth.Session, agent fractal.Agent, sessionType fractal.SessionType, status MatchStatus, detail string) {
	err := s.recorder.RecordMatch(ctx, MatchRecord{
		ID:            uuid.NewString(),
		Wallet:        s.wallet,
		UserID:        session.User.ID,
		AgentID:       agent.ID,
		AgentName:     agent.Name,
		SessionTypeID: sessionType.SessionType.ID,
		SessionType:   sessionType.Key(),
		EntryFee:      s.fee.String(),
		Status:        status,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("保存开赛记录失败", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) publish(ctx context.Context, typ events.Type, message string, data map[string]any) {
	if err := s.publisher.Publish(ctx, events.New(typ, s.wallet, message, data)); err != nil {
		s.logger.Warn("发布事件失败", slog.String("type", string(typ)), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) session() (*auth.Session, error) {
	if s.sessions == nil {
		return nil, xerrors.New(xerrors.CodeAuthentication, "尚未登录")
	}
	session := s.sessions.Session()
	if !session.Valid() {
		return nil, xerrors.New(xerrors.CodeAuthentication, "尚未登录")
	}
	return session, nil
}

// ensureQuotaLoaded 在首次调度前从存储恢复配额状态。
func (s *Scheduler) ensureQuotaLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.quotaLoaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	state, ok, err := s.store.LoadQuota(ctx, s.wallet)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载配额状态失败")
	}
	s.mu.Lock()
	if ok {
		s.quota = state
	}
	s.quotaLoaded = true
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) setQuota(ctx context.Context, quota QuotaState) {
	s.mu.Lock()
	s.quota = quota
	s.mu.Unlock()
	if err := s.store.SaveQuota(ctx, s.wallet, quota); err != nil {
		s.logger.Error("保存配额状态失败", slog.String("error", err.Error()))
	}
}

// Quota 返回当前配额状态。
func (s *Scheduler) Quota() QuotaState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quota
}

// CurrentAgentIndex 返回下一轮轮询的起点。
func (s *Scheduler) CurrentAgentIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentIndex
}

// IsActive 判断 Agent 是否已记录为进行中。
func (s *Scheduler) IsActive(agentID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[agentID]
}

// pacing 返回所有赛制中最短的总时长，不超过 MaxPacing。
func pacing(sessionTypes []fractal.SessionType) time.Duration {
	wait := MaxPacing
	for _, st := range sessionTypes {
		if d := st.Duration(); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// Wallet 返回调度器所属的钱包地址。
func (s *Scheduler) Wallet() string {
	return s.wallet
}

// Snapshot 是调度状态的只读副本，供状态接口展示。
type Snapshot struct {
	Wallet            string              `json:"wallet"`
	Agents            []fractal.Agent     `json:"agents"`
	SessionTypes      []string            `json:"session_types"`
	FractalInfo       fractal.FractalInfo `json:"fractal_info,omitempty"`
	Quota             QuotaState          `json:"quota"`
	CurrentAgentIndex int                 `json:"current_agent_index"`
	ActiveAgents      []int64             `json:"active_agents"`
	Running           bool                `json:"running"`
}

// Snapshot 返回当前调度状态的副本。
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Wallet:            s.wallet,
		Agents:            append([]fractal.Agent(nil), s.agents...),
		Quota:             s.quota,
		CurrentAgentIndex: s.currentIndex,
		ActiveAgents:      make([]int64, 0, len(s.active)),
	}
	for _, st := range s.sessionTypes {
		snap.SessionTypes = append(snap.SessionTypes, st.Key())
	}
	if len(s.fractalInfo) > 0 {
		snap.FractalInfo = make(fractal.FractalInfo, len(s.fractalInfo))
		for k, v := range s.fractalInfo {
			snap.FractalInfo[k] = v
		}
	}
	for _, agent := range s.agents {
		if s.active[agent.ID] {
			snap.ActiveAgents = append(snap.ActiveAgents, agent.ID)
		}
	}
	return snap
}
