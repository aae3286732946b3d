package sync

import (
	"bbsync/internal/catalog"
	"bbsync/internal/syncerr"
)

// Status 一轮同步的总体结果
type Status int

const (
	StatusSuccess             Status = iota // 全部成功
	StatusSuccessWithWarnings               // 部分失败
	StatusFailed                            // 没有任何下载或移动成功，且至少一个非会话失效的失败
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSuccessWithWarnings:
		return "success_with_warnings"
	default:
		return "failed"
	}
}

// Summary 一轮同步的统计
type Summary struct {
	Downloaded  int
	Relocated   int
	Skipped     int
	MarkedStale int
	Failed      int // 失败的条目 + 获取失败的课程
	AuthFailed  int
	Bytes       int64
}

// Summarize 统计结果并判定总体状态
// 只有真正完成的下载和移动才算成功；跳过和标记过期不是传输，不计入
func Summarize(outcomes []Outcome, trees []catalog.CourseTree) (Summary, Status) {
	var (
		s         Summary
		succeeded int
		nonAuth   int
	)

	for _, o := range outcomes {
		switch o.Result {
		case ResultSuccess:
			s.Bytes += o.Bytes
			switch o.Action.Type {
			case ActionDownload:
				s.Downloaded++
				succeeded++
			case ActionRelocate:
				s.Relocated++
				succeeded++
			case ActionMarkStale:
				s.MarkedStale++
			}
		case ResultSkipped:
			s.Skipped++
		case ResultFailed:
			s.Failed++
			if syncerr.IsAuth(o.Err) {
				s.AuthFailed++
			} else {
				nonAuth++
			}
		}
	}

	for _, t := range trees {
		if t.Err != nil {
			s.Failed++
			nonAuth++
		}
	}

	switch {
	case s.Failed == 0:
		return s, StatusSuccess
	case succeeded == 0 && nonAuth > 0:
		return s, StatusFailed
	default:
		return s, StatusSuccessWithWarnings
	}
}
