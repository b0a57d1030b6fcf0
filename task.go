package main

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	pb "gopkg.in/cheggaaa/pb.v1"
)

// 后台任务状态
const (
	ProcessRunning   = "running"
	ProcessSucceeded = "succeeded"
	ProcessFailed    = "failed"
)

//Process 后台任务，供状态查询接口使用
type Process struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Start  time.Time  `json:"start"`
	End    *time.Time `json:"end,omitempty"`
	Status string     `json:"status"`
	Result string     `json:"result,omitempty"`
}

//ProcessQueue 后台任务队列，任务状态持久化到元数据库
type ProcessQueue struct {
	reg *Registry
	wg  sync.WaitGroup
}

//NewProcessQueue 创建任务队列
func NewProcessQueue(reg *Registry) *ProcessQueue {
	return &ProcessQueue{reg: reg}
}

//Start 登记并在后台执行任务
func (q *ProcessQueue) Start(name string, job func() (string, error)) (*Process, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, err
	}
	p := &Process{
		ID:     id,
		Name:   name,
		Start:  time.Now(),
		Status: ProcessRunning,
	}
	if err := q.reg.SaveProcess(p); err != nil {
		return nil, err
	}
	log.Infof("process %s (%s) started ~", p.ID, p.Name)

	q.wg.Add(1)
	go func(p Process) {
		defer q.wg.Done()
		result, err := job()
		end := time.Now()
		p.End = &end
		p.Result = result
		p.Status = ProcessSucceeded
		if err != nil {
			p.Status = ProcessFailed
			p.Result = err.Error()
			log.Errorf("process %s (%s) failed: %s", p.ID, p.Name, err)
		} else {
			log.Infof("process %s (%s) finished, %.3fs ~", p.ID, p.Name, end.Sub(p.Start).Seconds())
		}
		if err := q.reg.SaveProcess(&p); err != nil {
			log.Errorf("save process %s error ~ %s", p.ID, err)
		}
	}(*p)
	return p, nil
}

//Wait 等待所有后台任务结束
func (q *ProcessQueue) Wait() {
	q.wg.Wait()
}

//Get 查询任务
func (q *ProcessQueue) Get(id string) (*Process, error) {
	return q.reg.Process(id)
}

//List 全部任务
func (q *ProcessQueue) List() ([]*Process, error) {
	return q.reg.Processes()
}

//runRebase 前台执行 rebase 并显示进度
func runRebase(bs *BranchStore, target, base int64, editor string) error {
	var bar *pb.ProgressBar
	p, err := bs.Rebase(target, base, editor, func(done, total int) {
		if bar == nil {
			bar = pb.New(total).Prefix("Rebase : ")
			bar.Start()
			bar.Set(done - 1)
		}
		bar.Increment()
	})
	if err != nil {
		return err
	}
	bs.procs.Wait()
	p, err = bs.procs.Get(p.ID)
	if err != nil {
		return err
	}
	if bar != nil {
		bar.FinishPrint(fmt.Sprintf("process %s %s ~", p.ID, p.Status))
	}
	if p.Status != ProcessSucceeded {
		return fmt.Errorf("rebase failed: %s", p.Result)
	}
	log.Infof("rebase replayed %s", p.Result)
	return nil
}

//runClear 前台清空分支
func runClear(bs *BranchStore, id int64, editor string) error {
	return bs.Mutate(id, editor, func(b Branch, c *Cache) error {
		ids, err := bs.pipeline.Clear(c, b)
		if err != nil {
			return err
		}
		fmt.Printf("branch %s cleared, patches %v undone\n", b.Name, ids)
		return nil
	})
}
