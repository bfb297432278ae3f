//go:build cgo

package nativehelper

/*
#include <stdint.h>
#include <stdio.h>
#include <stdlib.h>
#include <time.h>

static uint64_t bpfjit_sum5(uint64_t a, uint64_t b, uint64_t c, uint64_t d, uint64_t e) {
	return a + b + c + d + e;
}

static uint64_t bpfjit_ktime_get_ns(void) {
	struct timespec ts;
	clock_gettime(CLOCK_MONOTONIC, &ts);
	return (uint64_t)ts.tv_sec * 1000000000ull + (uint64_t)ts.tv_nsec;
}

static uint64_t bpfjit_prandom_state = 0x9e3779b97f4a7c15ull;

static uint64_t bpfjit_get_prandom_u32(void) {
	uint64_t x = bpfjit_prandom_state;
	x ^= x << 13;
	x ^= x >> 7;
	x ^= x << 17;
	bpfjit_prandom_state = x;
	return (uint32_t)x;
}

static uint64_t bpfjit_trace_printk(const char *fmt, uint64_t size, uint64_t a, uint64_t b, uint64_t c) {
	if (fmt == NULL || size == 0) {
		return 0;
	}
	int n = fprintf(stderr, "%.*s [%llu %llu %llu]\n", (int)size, fmt,
		(unsigned long long)a, (unsigned long long)b, (unsigned long long)c);
	return n < 0 ? 0 : (uint64_t)n;
}

static uint64_t bpfjit_map_by_fd(uint32_t fd) { return 0x100000000ull + fd; }
static uint64_t bpfjit_map_by_idx(uint32_t idx) { return 0x200000000ull + idx; }
static uint64_t bpfjit_map_val(uint64_t m) { return m + 0x1000; }
static uint64_t bpfjit_code_addr(uint32_t off) { return 0x300000000ull + off; }
static uint64_t bpfjit_var_addr(uint32_t idx) { return 0x400000000ull + idx; }

static uintptr_t bpfjit_addr_sum5(void) { return (uintptr_t)&bpfjit_sum5; }
static uintptr_t bpfjit_addr_ktime(void) { return (uintptr_t)&bpfjit_ktime_get_ns; }
static uintptr_t bpfjit_addr_prandom(void) { return (uintptr_t)&bpfjit_get_prandom_u32; }
static uintptr_t bpfjit_addr_printk(void) { return (uintptr_t)&bpfjit_trace_printk; }
static uintptr_t bpfjit_addr_map_by_fd(void) { return (uintptr_t)&bpfjit_map_by_fd; }
static uintptr_t bpfjit_addr_map_by_idx(void) { return (uintptr_t)&bpfjit_map_by_idx; }
static uintptr_t bpfjit_addr_map_val(void) { return (uintptr_t)&bpfjit_map_val; }
static uintptr_t bpfjit_addr_code_addr(void) { return (uintptr_t)&bpfjit_code_addr; }
static uintptr_t bpfjit_addr_var_addr(void) { return (uintptr_t)&bpfjit_var_addr; }
*/
import "C"

// Available reports whether the native helpers are linked in.
const Available = true

func addrs() Addrs {
	return Addrs{
		Sum5:          uintptr(C.bpfjit_addr_sum5()),
		KtimeGetNS:    uintptr(C.bpfjit_addr_ktime()),
		GetPrandomU32: uintptr(C.bpfjit_addr_prandom()),
		TracePrintk:   uintptr(C.bpfjit_addr_printk()),
		MapByFD:       uintptr(C.bpfjit_addr_map_by_fd()),
		MapByIdx:      uintptr(C.bpfjit_addr_map_by_idx()),
		MapVal:        uintptr(C.bpfjit_addr_map_val()),
		CodeAddr:      uintptr(C.bpfjit_addr_code_addr()),
		VarAddr:       uintptr(C.bpfjit_addr_var_addr()),
	}
}
