package lms

import (
	"strings"
	"time"
)

// ErrorResponse Blackboard REST 的错误外壳
type ErrorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Paging 分页信息，nextPage 为相对 URL
type Paging struct {
	NextPage string `json:"nextPage"`
}

// ListResponse 列表接口的通用响应
type ListResponse[T any] struct {
	Results []T    `json:"results"`
	Paging  Paging `json:"paging"`
}

// User /users/me 响应
type User struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
}

// Availability 可用性，Blackboard 返回 "Yes" / "No" / "Disabled" / "Term"
type Availability struct {
	Available string `json:"available"`
}

// IsAvailable 只有明确为 No 或 Disabled 时才视为不可用
func (a *Availability) IsAvailable() bool {
	if a == nil {
		return true
	}
	return a.Available != "No" && a.Available != "Disabled"
}

// Membership 选课记录
type Membership struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	CourseID     string        `json:"courseId"`
	DataSourceID string        `json:"dataSourceId"`
	Created      *time.Time    `json:"created"`
	Availability *Availability `json:"availability"`
}

// CourseInfo /v3/courses/{id} 响应
type CourseInfo struct {
	ID           string        `json:"id"`
	CourseID     string        `json:"courseId"`
	Name         string        `json:"name"`
	Created      *time.Time    `json:"created"`
	Availability *Availability `json:"availability"`
}

// ContentHandler 内容类型
type ContentHandler struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Content 课程内容 (contents / children 接口)
type Content struct {
	ID             string          `json:"id"`
	ParentID       string          `json:"parentId"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Created        *time.Time      `json:"created"`
	Modified       *time.Time      `json:"modified"`
	HasChildren    bool            `json:"hasChildren"`
	ContentHandler *ContentHandler `json:"contentHandler"`
}

// Handler 内容类型 ID (去掉 "resource/" 前缀)，缺失时为空
func (c *Content) Handler() string {
	if c.ContentHandler == nil {
		return ""
	}
	return strings.TrimPrefix(c.ContentHandler.ID, "resource/")
}

// Attachment 附件
type Attachment struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
}

// 内容类型
const (
	HandlerFolder       = "x-bb-folder"
	HandlerFile         = "x-bb-file"
	HandlerDocument     = "x-bb-document"
	HandlerExternalLink = "x-bb-externallink"
)
