//go:build !unix

package main

import "os"

//fileIdentity 非 unix 平台没有 inode，仅靠修改时间与大小区分
func fileIdentity(fi os.FileInfo) string {
	return ""
}
