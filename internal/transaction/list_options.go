package transaction

// SortOrder defines how results should be ordered when listing transactions.
type SortOrder int

const (
	// SortByUpdatedDesc orders transactions by UpdatedAt descending.
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders transactions by UpdatedAt ascending.
	SortByUpdatedAsc
)

// ListOptions controls how transactions are selected when querying the store.
type ListOptions struct {
	Limit    int
	Offset   int
	WalletID string
	Statuses []Status
	Order    SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of transactions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching transactions.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithWallet filters transactions belonging to the given wallet.
func WithWallet(walletID string) ListOption {
	return func(opts *ListOptions) {
		opts.WalletID = walletID
	}
}

// WithStatuses filters transactions by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithSortOrder changes the returned order of transactions.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Stats 聚合了交易状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Executing int `json:"executing"`
	Submitted int `json:"submitted"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`
	Signed    int `json:"signed"`
}

func (s *Stats) count(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusQueued:
		s.Queued++
	case StatusExecuting:
		s.Executing++
	case StatusSubmitted:
		s.Submitted++
	case StatusConfirmed:
		s.Confirmed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	case StatusExpired:
		s.Expired++
	case StatusSigned:
		s.Signed++
	}
}
