// Package udsclient sends UDS (ISO 14229) requests over an ISO-TP session
// and waits for the matching response.
package udsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
)

const (
	positiveResponseOffset = 0x40
	negativeResponseSID    = 0x7F

	defaultMaxRetries      = 3                       // 默认最大重试次数
	responsePendingTimeout = 5000 * time.Millisecond // Response Pending 超时 (P2*)
)

// UDS 负响应码 (Negative Response Code)
const (
	NRCGeneralReject                          = 0x10 // 一般拒绝
	NRCServiceNotSupported                    = 0x11 // 服务不支持
	NRCSubFunctionNotSupported                = 0x12 // 子功能不支持
	NRCIncorrectMessageLength                 = 0x13 // 消息长度错误
	NRCResponseTooLong                        = 0x14 // 响应过长
	NRCBusyRepeatRequest                      = 0x21 // 忙，请重复请求
	NRCConditionsNotCorrect                   = 0x22 // 条件不满足
	NRCRequestSequenceError                   = 0x24 // 请求顺序错误
	NRCNoResponseFromSubnetComponent          = 0x25 // 子网组件无响应
	NRCFailurePreventsExecution               = 0x26 // 故障阻止执行
	NRCRequestOutOfRange                      = 0x31 // 请求超出范围
	NRCSecurityAccessDenied                   = 0x33 // 安全访问被拒绝
	NRCInvalidKey                             = 0x35 // 无效密钥
	NRCExceedNumberOfAttempts                 = 0x36 // 超过尝试次数
	NRCRequiredTimeDelayNotExpired            = 0x37 // 所需时间延迟未过期
	NRCUploadDownloadNotAccepted              = 0x70 // 上传/下载不接受
	NRCTransferDataSuspended                  = 0x71 // 传输数据暂停
	NRCGeneralProgrammingFailure              = 0x72 // 一般编程失败
	NRCWrongBlockSequenceCounter              = 0x73 // 块序号计数器错误
	NRCResponsePending                        = 0x78 // 响应挂起
	NRCSubFunctionNotSupportedInActiveSession = 0x7E // 子功能在当前会话不支持
	NRCServiceNotSupportedInActiveSession     = 0x7F // 服务在当前会话不支持
)

// UDSError 表示 UDS 负响应错误
type UDSError struct {
	ServiceID byte   // 原始服务 ID
	NRC       byte   // 负响应码
	Message   string // 错误描述
}

func (e *UDSError) Error() string {
	return fmt.Sprintf("UDS 负响应: SID=0x%02X, NRC=0x%02X (%s)", e.ServiceID, e.NRC, e.Message)
}

// IsRetryable 判断该错误是否可以重试
func (e *UDSError) IsRetryable() bool {
	switch e.NRC {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	default:
		return false
	}
}

// RequestOptions 请求配置选项
type RequestOptions struct {
	Timeout        time.Duration // 单次请求超时 (P2)
	PendingTimeout time.Duration // 收到 0x78 后的超时 (P2*)
	MaxRetries     int           // 最大重试次数 (仅对可重试错误生效)
	RetryDelay     time.Duration // 重试间隔
}

// DefaultRequestOptions 返回默认请求选项
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:        500 * time.Millisecond,
		PendingTimeout: responsePendingTimeout,
		MaxRetries:     defaultMaxRetries,
		RetryDelay:     100 * time.Millisecond,
	}
}

// getNRCDescription 获取 NRC 错误描述
func getNRCDescription(nrc byte) string {
	descriptions := map[byte]string{
		NRCGeneralReject:                          "一般拒绝",
		NRCServiceNotSupported:                    "服务不支持",
		NRCSubFunctionNotSupported:                "子功能不支持",
		NRCIncorrectMessageLength:                 "消息长度错误",
		NRCResponseTooLong:                        "响应过长",
		NRCBusyRepeatRequest:                      "忙，请重复请求",
		NRCConditionsNotCorrect:                   "条件不满足",
		NRCRequestSequenceError:                   "请求顺序错误",
		NRCNoResponseFromSubnetComponent:          "子网组件无响应",
		NRCFailurePreventsExecution:               "故障阻止执行",
		NRCRequestOutOfRange:                      "请求超出范围",
		NRCSecurityAccessDenied:                   "安全访问被拒绝",
		NRCInvalidKey:                             "无效密钥",
		NRCExceedNumberOfAttempts:                 "超过尝试次数",
		NRCRequiredTimeDelayNotExpired:            "所需时间延迟未过期",
		NRCUploadDownloadNotAccepted:              "上传/下载不接受",
		NRCTransferDataSuspended:                  "传输数据暂停",
		NRCGeneralProgrammingFailure:              "一般编程失败",
		NRCWrongBlockSequenceCounter:              "块序号计数器错误",
		NRCResponsePending:                        "响应挂起",
		NRCSubFunctionNotSupportedInActiveSession: "子功能在当前会话不支持",
		NRCServiceNotSupportedInActiveSession:     "服务在当前会话不支持",
	}
	if desc, ok := descriptions[nrc]; ok {
		return desc
	}
	return "未知错误"
}

// Transport carries whole UDS messages. *tp.Session implements it.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// ErrTimeout is returned when no response arrives within the request timeout.
var ErrTimeout = errors.New("udsclient: 等待响应超时")

// Client 是 UDS 客户端，一次只处理一个请求
type Client struct {
	tp  Transport
	log logrus.FieldLogger
}

// New wraps tp. The caller keeps ownership of the transport and closes it.
func New(tp Transport, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{tp: tp, log: log}
}

// Request 简化版请求函数，使用默认选项
func (c *Client) Request(ctx context.Context, payload []byte) ([]byte, error) {
	return c.RequestWithOptions(ctx, payload, DefaultRequestOptions())
}

// RequestWithTimeout 带自定义超时的请求函数
func (c *Client) RequestWithTimeout(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	opts := DefaultRequestOptions()
	opts.Timeout = timeout
	return c.RequestWithOptions(ctx, payload, opts)
}

// RequestWithOptions 发送 UDS 请求并等待正响应。支持：
//   - Context 取消
//   - 完整的 NRC 错误处理
//   - 自动重试机制 (仅对可重试错误)
//   - 响应 SID 验证
func (c *Client) RequestWithOptions(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("udsclient: 请求 payload 不能为空")
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = responsePendingTimeout
	}
	sid := payload[0]

	return retry.DoWithData(
		func() ([]byte, error) {
			return c.singleRequest(ctx, payload, opts)
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(opts.MaxRetries, 0))+1),
		retry.Delay(opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var udsErr *UDSError
			return errors.As(err, &udsErr) && udsErr.IsRetryable()
		}),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithError(err).Warnf("UDS 请求重试 (%d/%d), SID=0x%02X", n+1, opts.MaxRetries, sid)
		}),
	)
}

// singleRequest 执行单次请求（不含重试逻辑）。与请求无关的报文被忽略。
func (c *Client) singleRequest(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	if err := c.tp.Send(ctx, payload); err != nil {
		return nil, fmt.Errorf("udsclient: send: %w", err)
	}

	sid := payload[0]
	deadline := time.Now().Add(opts.Timeout)
	for {
		rctx, cancel := context.WithDeadline(ctx, deadline)
		data, err := c.tp.Receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w (%v)", ErrTimeout, opts.Timeout)
			}
			return nil, err
		}

		switch {
		case len(data) >= 3 && data[0] == negativeResponseSID && data[1] == sid:
			nrc := data[2]
			// Response Pending - 重置超时继续等待
			if nrc == NRCResponsePending {
				c.log.Debugf("收到 Response Pending (SID=0x%02X)，继续等待...", sid)
				deadline = time.Now().Add(opts.PendingTimeout)
				continue
			}
			// 其他负响应
			return nil, &UDSError{ServiceID: sid, NRC: nrc, Message: getNRCDescription(nrc)}
		case len(data) > 0 && data[0] == sid+positiveResponseOffset:
			return data, nil
		default:
			c.log.Debugf("忽略无关报文 % X", data)
		}
	}
}
