package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/oriys/surge/internal/domain"
)

// 内存表名
const (
	tableUsers        = "users"
	tableApplications = "applications"
	tableTasks        = "tasks"
	tableLogs         = "logs"
	tableMetrics      = "metrics"
	tableReports      = "reports"
	tableFeedback     = "feedback"
)

func memSchema() *memdb.DBSchema {
	idIndex := func() *memdb.IndexSchema {
		return &memdb.IndexSchema{Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableUsers: {
				Name: tableUsers,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       idIndex(),
					"username": {Name: "username", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Username"}},
					"email":    {Name: "email", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Email", Lowercase: true}},
				},
			},
			tableApplications: {
				Name: tableApplications,
				Indexes: map[string]*memdb.IndexSchema{
					"id": idIndex(),
				},
			},
			tableTasks: {
				Name: tableTasks,
				Indexes: map[string]*memdb.IndexSchema{
					"id":    idIndex(),
					"apply": {Name: "apply", Indexer: &memdb.IntFieldIndex{Field: "ApplyID"}},
				},
			},
			tableLogs: {
				Name: tableLogs,
				Indexes: map[string]*memdb.IndexSchema{
					"id":      idIndex(),
					"task_id": {Name: "task_id", Indexer: &memdb.IntFieldIndex{Field: "TaskID"}},
					"task": {
						Name:   "task",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.IntFieldIndex{Field: "TaskID"},
							&memdb.IntFieldIndex{Field: "Seq"},
						}},
					},
				},
			},
			tableMetrics: {
				Name: tableMetrics,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "TaskID"}},
				},
			},
			tableReports: {
				Name: tableReports,
				Indexes: map[string]*memdb.IndexSchema{
					"id":   idIndex(),
					"task": {Name: "task", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "TaskID"}},
				},
			},
			tableFeedback: {
				Name: tableFeedback,
				Indexes: map[string]*memdb.IndexSchema{
					"id": idIndex(),
				},
			},
		},
	}
}

// MemoryStore 基于 go-memdb 的进程内存储。
// 存入和取出的都是副本，调用方修改返回值不会影响已存储的数据。
type MemoryStore struct {
	db *memdb.MemDB

	mu  sync.Mutex
	ids map[string]int64
}

var _ domain.Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储。
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memSchema())
	if err != nil {
		return nil, err
	}
	return &MemoryStore{db: db, ids: map[string]int64{}}, nil
}

func (s *MemoryStore) nextID(table string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[table]++
	return s.ids[table]
}

// Ping 内存存储始终可用。
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close 内存存储无需释放资源。
func (s *MemoryStore) Close() error { return nil }

// write 在写事务中执行 fn，出错时回滚。
func (s *MemoryStore) write(fn func(txn *memdb.Txn) error) error {
	txn := s.db.Txn(true)
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) first(table, index string, notFound error, args ...any) (any, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(table, index, args...)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, notFound
	}
	return raw, nil
}

// scan 按索引顺序遍历表，keep 返回 false 的对象被跳过。
func scan[T any](s *MemoryStore, table string, reverse bool, keep func(T) bool) ([]T, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	var (
		it  memdb.ResultIterator
		err error
	)
	if reverse {
		it, err = txn.GetReverse(table, "id")
	} else {
		it, err = txn.Get(table, "id")
	}
	if err != nil {
		return nil, err
	}
	var out []T
	for raw := it.Next(); raw != nil; raw = it.Next() {
		v := raw.(T)
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// ========== 用户 ==========

func cloneUser(u *domain.User) *domain.User {
	c := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

// checkUserUnique 检查用户名和邮箱没有被其他用户占用。
func checkUserUnique(txn *memdb.Txn, u *domain.User) error {
	if raw, err := txn.First(tableUsers, "username", u.Username); err != nil {
		return err
	} else if raw != nil && raw.(*domain.User).ID != u.ID {
		return domain.ErrUsernameTaken
	}
	if raw, err := txn.First(tableUsers, "email", strings.ToLower(u.Email)); err != nil {
		return err
	} else if raw != nil && raw.(*domain.User).ID != u.ID {
		return domain.ErrEmailTaken
	}
	return nil
}

// CreateUser 创建用户。
func (s *MemoryStore) CreateUser(ctx context.Context, u *domain.User) error {
	return s.write(func(txn *memdb.Txn) error {
		if err := checkUserUnique(txn, u); err != nil {
			return err
		}
		u.ID = s.nextID(tableUsers)
		return txn.Insert(tableUsers, cloneUser(u))
	})
}

// GetUser 按 ID 查询用户。
func (s *MemoryStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	raw, err := s.first(tableUsers, "id", domain.ErrUserNotFound, id)
	if err != nil {
		return nil, err
	}
	return cloneUser(raw.(*domain.User)), nil
}

// GetUserByUsername 按用户名查询用户。
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	raw, err := s.first(tableUsers, "username", domain.ErrUserNotFound, username)
	if err != nil {
		return nil, err
	}
	return cloneUser(raw.(*domain.User)), nil
}

// GetUserByEmail 按邮箱查询用户，不区分大小写。
func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	raw, err := s.first(tableUsers, "email", domain.ErrUserNotFound, strings.ToLower(email))
	if err != nil {
		return nil, err
	}
	return cloneUser(raw.(*domain.User)), nil
}

// UpdateUser 更新用户。
func (s *MemoryStore) UpdateUser(ctx context.Context, u *domain.User) error {
	return s.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableUsers, "id", u.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrUserNotFound
		}
		if err := checkUserUnique(txn, u); err != nil {
			return err
		}
		return txn.Insert(tableUsers, cloneUser(u))
	})
}

// DeleteUser 删除用户。
func (s *MemoryStore) DeleteUser(ctx context.Context, id int64) error {
	return s.write(func(txn *memdb.Txn) error {
		n, err := txn.DeleteAll(tableUsers, "id", id)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrUserNotFound
		}
		return nil
	})
}

// ListUsers 分页查询用户，按 ID 升序。
func (s *MemoryStore) ListUsers(ctx context.Context, f domain.UserFilter) (domain.Page[*domain.User], error) {
	kw := strings.ToLower(f.Keyword)
	all, err := scan(s, tableUsers, false, func(u *domain.User) bool {
		if f.Role != "" && u.Role != f.Role {
			return false
		}
		if f.Status != nil && u.Status != *f.Status {
			return false
		}
		if kw != "" && !strings.Contains(strings.ToLower(u.Username+" "+u.Email+" "+u.FullName), kw) {
			return false
		}
		return true
	})
	if err != nil {
		return domain.Page[*domain.User]{}, err
	}
	page := domain.Paginate(all, f.Page)
	for i, u := range page.Items {
		page.Items[i] = cloneUser(u)
	}
	return page, nil
}

// ========== 申请 ==========

func cloneApplication(a *domain.Application) *domain.Application {
	c := *a
	if a.AuditUserID != nil {
		v := *a.AuditUserID
		c.AuditUserID = &v
	}
	if a.AuditTime != nil {
		t := *a.AuditTime
		c.AuditTime = &t
	}
	return &c
}

// CreateApplication 创建申请。
func (s *MemoryStore) CreateApplication(ctx context.Context, a *domain.Application) error {
	a.ID = s.nextID(tableApplications)
	return s.write(func(txn *memdb.Txn) error {
		return txn.Insert(tableApplications, cloneApplication(a))
	})
}

// GetApplication 按 ID 查询申请。
func (s *MemoryStore) GetApplication(ctx context.Context, id int64) (*domain.Application, error) {
	raw, err := s.first(tableApplications, "id", domain.ErrApplicationNotFound, id)
	if err != nil {
		return nil, err
	}
	return cloneApplication(raw.(*domain.Application)), nil
}

// UpdateApplication 更新申请。
func (s *MemoryStore) UpdateApplication(ctx context.Context, a *domain.Application) error {
	return s.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableApplications, "id", a.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrApplicationNotFound
		}
		return txn.Insert(tableApplications, cloneApplication(a))
	})
}

// ListApplications 分页查询申请，按 ID 倒序。
func (s *MemoryStore) ListApplications(ctx context.Context, f domain.ApplicationFilter) (domain.Page[*domain.Application], error) {
	kw := strings.ToLower(f.Keyword)
	all, err := scan(s, tableApplications, true, func(a *domain.Application) bool {
		if f.ID != nil && a.ID != *f.ID {
			return false
		}
		if f.AuditStatus != "" && a.AuditStatus != f.AuditStatus {
			return false
		}
		if f.CreatedBy != nil && a.CreatedBy != *f.CreatedBy {
			return false
		}
		if f.Domain != "" && a.Domain != f.Domain {
			return false
		}
		if kw != "" && !strings.Contains(strings.ToLower(a.ApplicationName+" "+a.Domain), kw) {
			return false
		}
		return true
	})
	if err != nil {
		return domain.Page[*domain.Application]{}, err
	}
	page := domain.Paginate(all, f.Page)
	for i, a := range page.Items {
		page.Items[i] = cloneApplication(a)
	}
	return page, nil
}

// ========== 任务 ==========

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	if t.StartTime != nil {
		v := *t.StartTime
		c.StartTime = &v
	}
	if t.EndTime != nil {
		v := *t.EndTime
		c.EndTime = &v
	}
	return &c
}

// CreateTask 创建任务。
func (s *MemoryStore) CreateTask(ctx context.Context, t *domain.Task) error {
	t.ID = s.nextID(tableTasks)
	return s.write(func(txn *memdb.Txn) error {
		return txn.Insert(tableTasks, cloneTask(t))
	})
}

// GetTask 按 ID 查询任务。
func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	raw, err := s.first(tableTasks, "id", domain.ErrTaskNotFound, id)
	if err != nil {
		return nil, err
	}
	return cloneTask(raw.(*domain.Task)), nil
}

// UpdateTask 更新任务。
func (s *MemoryStore) UpdateTask(ctx context.Context, t *domain.Task) error {
	return s.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableTasks, "id", t.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrTaskNotFound
		}
		return txn.Insert(tableTasks, cloneTask(t))
	})
}

// DeleteTask 删除任务及其日志、指标和报告。
func (s *MemoryStore) DeleteTask(ctx context.Context, id int64) error {
	return s.write(func(txn *memdb.Txn) error {
		n, err := txn.DeleteAll(tableTasks, "id", id)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrTaskNotFound
		}
		if _, err := txn.DeleteAll(tableLogs, "task_id", id); err != nil {
			return err
		}
		if _, err := txn.DeleteAll(tableMetrics, "id", id); err != nil {
			return err
		}
		_, err = txn.DeleteAll(tableReports, "task", id)
		return err
	})
}

// ListTasks 分页查询任务，按 ID 倒序（即创建时间倒序）。
func (s *MemoryStore) ListTasks(ctx context.Context, f domain.TaskFilter) (domain.Page[*domain.Task], error) {
	all, err := scan(s, tableTasks, true, func(t *domain.Task) bool {
		if f.Status != "" && t.Status != f.Status {
			return false
		}
		if f.ApplyID != nil && t.ApplyID != *f.ApplyID {
			return false
		}
		if f.CreatedBy != nil && t.CreatedBy != *f.CreatedBy {
			return false
		}
		return true
	})
	if err != nil {
		return domain.Page[*domain.Task]{}, err
	}
	page := domain.Paginate(all, f.Page)
	for i, t := range page.Items {
		page.Items[i] = cloneTask(t)
	}
	return page, nil
}

// ========== 日志 ==========

// AppendLog 追加日志，(TaskID, Seq) 重复时返回 ErrLogStreamClosed。
func (s *MemoryStore) AppendLog(ctx context.Context, e *domain.LogEntry) error {
	return s.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableLogs, "task", e.TaskID, e.Seq)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrLogStreamClosed
		}
		e.ID = s.nextID(tableLogs)
		c := *e
		return txn.Insert(tableLogs, &c)
	})
}

func (s *MemoryStore) taskLogs(taskID, afterSeq int64) ([]*domain.LogEntry, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.LowerBound(tableLogs, "task", taskID, afterSeq+1)
	if err != nil {
		return nil, err
	}
	logs := []*domain.LogEntry{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		e := raw.(*domain.LogEntry)
		if e.TaskID != taskID {
			break
		}
		c := *e
		logs = append(logs, &c)
	}
	return logs, nil
}

// ListLogs 按 Seq 升序分页读取日志。
func (s *MemoryStore) ListLogs(ctx context.Context, taskID int64, offset, limit int) ([]*domain.LogEntry, int64, error) {
	all, err := s.taskLogs(taskID, 0)
	if err != nil {
		return nil, 0, err
	}
	page := domain.Paginate(all, domain.PageRequest{Offset: offset, Limit: limit})
	return page.Items, page.Total, nil
}

// ListLogsAfter 读取 Seq 大于 afterSeq 的日志。
func (s *MemoryStore) ListLogsAfter(ctx context.Context, taskID, afterSeq int64, limit int) ([]*domain.LogEntry, error) {
	logs, err := s.taskLogs(taskID, afterSeq)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// LastLog 返回任务 Seq 最大的日志，没有日志时返回 nil。
func (s *MemoryStore) LastLog(ctx context.Context, taskID int64) (*domain.LogEntry, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableLogs, "task_id", taskID)
	if err != nil {
		return nil, err
	}
	var last *domain.LogEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if e := raw.(*domain.LogEntry); last == nil || e.Seq > last.Seq {
			last = e
		}
	}
	if last == nil {
		return nil, nil
	}
	c := *last
	return &c, nil
}

// ========== 执行指标 ==========

func cloneMetrics(m *domain.RunMetrics) *domain.RunMetrics {
	c := *m
	c.LatencySamples = append([]int64(nil), m.LatencySamples...)
	c.StatusCodes = cloneCounts(m.StatusCodes)
	c.Errors = cloneCounts(m.Errors)
	return &c
}

func cloneCounts(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	c := make(map[string]int64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// SaveRunMetrics 写入或覆盖执行指标。
func (s *MemoryStore) SaveRunMetrics(ctx context.Context, m *domain.RunMetrics) error {
	return s.write(func(txn *memdb.Txn) error {
		return txn.Insert(tableMetrics, cloneMetrics(m))
	})
}

// GetRunMetrics 读取执行指标。
func (s *MemoryStore) GetRunMetrics(ctx context.Context, taskID int64) (*domain.RunMetrics, error) {
	raw, err := s.first(tableMetrics, "id", domain.ErrMetricsMissing, taskID)
	if err != nil {
		return nil, err
	}
	return cloneMetrics(raw.(*domain.RunMetrics)), nil
}

// DeleteRunMetrics 删除执行指标。
func (s *MemoryStore) DeleteRunMetrics(ctx context.Context, taskID int64) error {
	return s.write(func(txn *memdb.Txn) error {
		_, err := txn.DeleteAll(tableMetrics, "id", taskID)
		return err
	})
}

// ========== 报告 ==========

func cloneReport(r *domain.Report) *domain.Report {
	c := *r
	c.LatencyPercentiles = make(map[string]float64, len(r.LatencyPercentiles))
	for k, v := range r.LatencyPercentiles {
		c.LatencyPercentiles[k] = v
	}
	c.StatusCodes = cloneCounts(r.StatusCodes)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CreateReport 创建报告，同一任务已有报告时返回 ErrConflict。
func (s *MemoryStore) CreateReport(ctx context.Context, r *domain.Report) error {
	return s.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableReports, "task", r.TaskID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrConflict
		}
		r.ID = s.nextID(tableReports)
		return txn.Insert(tableReports, cloneReport(r))
	})
}

// GetReport 按 ID 查询报告。
func (s *MemoryStore) GetReport(ctx context.Context, id int64) (*domain.Report, error) {
	raw, err := s.first(tableReports, "id", domain.ErrReportNotFound, id)
	if err != nil {
		return nil, err
	}
	return cloneReport(raw.(*domain.Report)), nil
}

// GetReportByTask 查询任务对应的报告。
func (s *MemoryStore) GetReportByTask(ctx context.Context, taskID int64) (*domain.Report, error) {
	raw, err := s.first(tableReports, "task", domain.ErrReportNotFound, taskID)
	if err != nil {
		return nil, err
	}
	return cloneReport(raw.(*domain.Report)), nil
}

// UpdateReport 更新报告。
func (s *MemoryStore) UpdateReport(ctx context.Context, r *domain.Report) error {
	return s.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableReports, "id", r.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrReportNotFound
		}
		return txn.Insert(tableReports, cloneReport(r))
	})
}

// DeleteReport 删除报告。
func (s *MemoryStore) DeleteReport(ctx context.Context, id int64) error {
	return s.write(func(txn *memdb.Txn) error {
		n, err := txn.DeleteAll(tableReports, "id", id)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrReportNotFound
		}
		return nil
	})
}

// ListReports 分页查询报告，按 ID 倒序。
func (s *MemoryStore) ListReports(ctx context.Context, f domain.ReportFilter) (domain.Page[*domain.Report], error) {
	all, err := scan(s, tableReports, true, func(r *domain.Report) bool {
		if f.Status != "" && r.Status != f.Status {
			return false
		}
		if f.TaskID != nil && r.TaskID != *f.TaskID {
			return false
		}
		if f.ApplyID != nil && r.ApplyID != *f.ApplyID {
			return false
		}
		return true
	})
	if err != nil {
		return domain.Page[*domain.Report]{}, err
	}
	page := domain.Paginate(all, f.Page)
	for i, r := range page.Items {
		page.Items[i] = cloneReport(r)
	}
	return page, nil
}

// ========== 反馈 ==========

func cloneFeedback(f *domain.Feedback) *domain.Feedback {
	c := *f
	if f.UserID != nil {
		v := *f.UserID
		c.UserID = &v
	}
	return &c
}

// CreateFeedback 创建反馈。
func (s *MemoryStore) CreateFeedback(ctx context.Context, f *domain.Feedback) error {
	f.ID = s.nextID(tableFeedback)
	return s.write(func(txn *memdb.Txn) error {
		return txn.Insert(tableFeedback, cloneFeedback(f))
	})
}

// GetFeedback 按 ID 查询反馈。
func (s *MemoryStore) GetFeedback(ctx context.Context, id int64) (*domain.Feedback, error) {
	raw, err := s.first(tableFeedback, "id", domain.ErrFeedbackNotFound, id)
	if err != nil {
		return nil, err
	}
	return cloneFeedback(raw.(*domain.Feedback)), nil
}

// UpdateFeedback 更新反馈。
func (s *MemoryStore) UpdateFeedback(ctx context.Context, f *domain.Feedback) error {
	return s.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableFeedback, "id", f.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrFeedbackNotFound
		}
		return txn.Insert(tableFeedback, cloneFeedback(f))
	})
}

// ListFeedback 分页查询反馈，按 ID 倒序。
func (s *MemoryStore) ListFeedback(ctx context.Context, status domain.FeedbackStatus, page domain.PageRequest) (domain.Page[*domain.Feedback], error) {
	all, err := scan(s, tableFeedback, true, func(f *domain.Feedback) bool {
		return status == "" || f.Status == status
	})
	if err != nil {
		return domain.Page[*domain.Feedback]{}, err
	}
	out := domain.Paginate(all, page)
	for i, f := range out.Items {
		out.Items[i] = cloneFeedback(f)
	}
	return out, nil
}

// ========== 统计 ==========

// Stats 汇总各表计数。
func (s *MemoryStore) Stats(ctx context.Context) (*domain.Stats, error) {
	st := &domain.Stats{
		Applications: map[domain.AuditStatus]int64{},
		Tasks:        map[domain.TaskStatus]int64{},
		Reports:      map[domain.ReportStatus]int64{},
	}
	users, err := scan[*domain.User](s, tableUsers, false, nil)
	if err != nil {
		return nil, err
	}
	st.Users = int64(len(users))
	if _, err := scan(s, tableApplications, false, func(a *domain.Application) bool {
		st.Applications[a.AuditStatus]++
		return false
	}); err != nil {
		return nil, err
	}
	if _, err := scan(s, tableTasks, false, func(t *domain.Task) bool {
		st.Tasks[t.Status]++
		return false
	}); err != nil {
		return nil, err
	}
	if _, err := scan(s, tableReports, false, func(r *domain.Report) bool {
		st.Reports[r.Status]++
		return false
	}); err != nil {
		return nil, err
	}
	return st, nil
}
