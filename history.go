package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

//origEntry 历史链起点，表示未修改的原始缓存
const origEntry = "orig"

//History 每个 (分支, slab, 图层) 的修改链，只追加
type History []string

//Last 最后一项
func (h History) Last() string {
	if len(h) == 0 {
		return ""
	}
	return h[len(h)-1]
}

//Append 追加 patch，首次修改时以 orig 开头
func (h History) Append(patchID int) History {
	if len(h) == 0 {
		h = History{origEntry}
	}
	return append(h, strconv.Itoa(patchID))
}

//Pristine 只剩 orig
func (h History) Pristine() bool {
	return len(h) == 0 || (len(h) == 1 && h[0] == origEntry)
}

func readHistory(path string) (History, error) {
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil, nil
	}
	return History(strings.Split(s, ";")), nil
}

//writeHistory 原子替换，空链删除文件
func writeHistory(path string, h History) error {
	if h.Pristine() {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return err
	}
	tmp, err := ioutil.TempFile(dir, ".history-*")
	if err != nil {
		return err
	}
	_, err = tmp.WriteString(strings.Join(h, ";"))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

//relink 把规范文件名指向 target：先链接到临时名再改名，读者看到的要么是旧文件要么是新文件
func relink(target, canonical string) error {
	tmp := canonical + ".link"
	os.Remove(tmp)
	if err := linkOrCopy(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, canonical); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

//linkOrCopy 优先硬链接，跨设备时复制
func linkOrCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	data, err := ioutil.ReadFile(src)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(dst, data, 0644)
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
