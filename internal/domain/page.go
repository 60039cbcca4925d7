package domain

// 分页默认值
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageRequest 是统一的偏移分页参数。
// API 层负责把 page/page_size 或 skip/limit 两种风格转换为该结构。
type PageRequest struct {
	Offset int
	Limit  int
}

// NewPageRequest 由 page/page_size 构造分页参数，page 从 1 开始。
func NewPageRequest(page, pageSize int) PageRequest {
	if page < 1 {
		page = 1
	}
	p := PageRequest{Limit: pageSize}.Normalize(DefaultPageSize, MaxPageSize)
	p.Offset = (page - 1) * p.Limit
	return p
}

// Normalize 修正越界的偏移量和条数。
func (p PageRequest) Normalize(defaultLimit, maxLimit int) PageRequest {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

// Page 返回当前页码（从 1 开始）。
func (p PageRequest) Page() int {
	if p.Limit <= 0 {
		return 1
	}
	return p.Offset/p.Limit + 1
}

// Page 是分页查询结果。
type Page[T any] struct {
	Items []T
	Total int64
	Req   PageRequest
}

// Paginate 对已按顺序排好的切片做内存分页。
func Paginate[T any](all []T, req PageRequest) Page[T] {
	total := int64(len(all))
	start := req.Offset
	if start > len(all) {
		start = len(all)
	}
	end := start + req.Limit
	if req.Limit <= 0 || end > len(all) {
		end = len(all)
	}
	items := make([]T, end-start)
	copy(items, all[start:end])
	return Page[T]{Items: items, Total: total, Req: req}
}
