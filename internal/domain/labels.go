package domain

// 状态显示名称集中定义在此处，API、CLI 和导出文件共用同一份映射。

// Label 返回审核状态的显示名称。
func (s AuditStatus) Label() string {
	switch s {
	case AuditStatusPending:
		return "待审核"
	case AuditStatusApproved:
		return "已通过"
	case AuditStatusRejected:
		return "已拒绝"
	case AuditStatusCancelled:
		return "已取消"
	}
	return "未知"
}

// Label 返回任务状态的显示名称。
func (s TaskStatus) Label() string {
	switch s {
	case TaskStatusPending:
		return "等待中"
	case TaskStatusRunning:
		return "运行中"
	case TaskStatusCompleted:
		return "已完成"
	case TaskStatusFailed:
		return "失败"
	case TaskStatusCancelled:
		return "已取消"
	}
	return "未知"
}

// Label 返回报告状态的显示名称。
func (s ReportStatus) Label() string {
	switch s {
	case ReportStatusGenerating:
		return "生成中"
	case ReportStatusCompleted:
		return "已完成"
	case ReportStatusFailed:
		return "失败"
	}
	return "未知"
}

// Label 返回日志级别的显示名称。
func (l LogLevel) Label() string {
	switch l {
	case LogLevelDebug:
		return "调试"
	case LogLevelInfo:
		return "信息"
	case LogLevelWarning:
		return "警告"
	case LogLevelError:
		return "错误"
	}
	return "未知"
}

// Label 返回反馈状态的显示名称。
func (s FeedbackStatus) Label() string {
	switch s {
	case FeedbackStatusPending:
		return "待处理"
	case FeedbackStatusProcessed:
		return "已处理"
	}
	return "未知"
}

// Label 返回用户状态的显示名称。
func (s UserStatus) Label() string {
	if s == UserStatusEnabled {
		return "启用"
	}
	return "禁用"
}

// Label 返回角色的显示名称。
func (r Role) Label() string {
	switch r {
	case RoleAdmin:
		return "管理员"
	case RoleUser:
		return "普通用户"
	}
	return "未知"
}
