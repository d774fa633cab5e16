// Package retry 指数退避与有界重试
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// JitterRatio 抖动上限（相对退避值）
const JitterRatio = 0.10

// ComputeBackoff 返回第 attempt 次（从 0 开始）重试前的等待时长：
// base*2^attempt 加上 [0, 10%] 的正向抖动，结果不超过 maxDelay
func ComputeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	return computeBackoff(attempt, base, maxDelay, rand.Float64())
}

// computeBackoff frac 取值 [0,1)，决定抖动比例
func computeBackoff(attempt int, base, maxDelay time.Duration, frac float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}

	// 位移前检查溢出
	if attempt >= 62 || base > time.Duration(math.MaxInt64>>uint(attempt)) {
		return maxDelay
	}
	delay := base << uint(attempt)
	if delay >= maxDelay {
		return maxDelay
	}

	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	jitter := time.Duration(frac * JitterRatio * float64(delay))
	delay += jitter
	if delay > maxDelay || delay < 0 {
		return maxDelay
	}
	return delay
}
